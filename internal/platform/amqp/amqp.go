// Package amqp holds the RabbitMQ connection used to spool kitchen print jobs.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNacked = errors.New("amqp: publish nacked by broker")
	ErrClosed = errors.New("amqp: client closed")
)

// Client owns one connection and one confirm-mode channel. Publishes are serialised so
// each confirmation can be matched to its message; a dropped connection is redialled on
// the next publish.
type Client struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	acks   <-chan amqp.Confirmation
	closed bool
}

// Dial connects to url (amqp:// or amqps://) and enables publisher confirms.
func Dial(url string) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp: url is empty")
	}
	c := &Client{url: url}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp: enable confirms: %w", err)
	}
	c.conn, c.ch = conn, ch
	c.acks = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// DeclareTopicExchange declares a durable topic exchange.
func (c *Client) DeclareTopicExchange(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	return c.ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Publish sends a persistent message and waits for the broker's ack.
func (c *Client) Publish(ctx context.Context, exchange, key, contentType string, body []byte, headers map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  contentType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(headers),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}
	select {
	case conf, ok := <-c.acks:
		if !ok {
			return errors.New("amqp: channel closed before confirmation")
		}
		if !conf.Ack {
			return ErrNacked
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping reports whether the connection is open.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("amqp: connection is closed")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.ch != nil {
		err = errors.Join(err, c.ch.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}

func (c *Client) readyLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() || c.ch == nil || c.ch.IsClosed() {
		if c.conn != nil && !c.conn.IsClosed() {
			_ = c.conn.Close()
		}
		return c.connectLocked()
	}
	return nil
}
