// Package realtime subscribes to order changes over the Supabase Realtime websocket
// (Phoenix channel protocol, postgres_changes).
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var (
	_ ports.ChangeFeed   = (*Feed)(nil)
	_ ports.Subscription = (*subscription)(nil)

	ErrUnknownTopic   = errors.New("realtime: unsupported topic")
	ErrJoinRejected   = errors.New("realtime: channel join rejected")
	ErrChannelClosed  = errors.New("realtime: channel closed by server")
	ErrChannelErrored = errors.New("realtime: channel error")
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	subscriptionBuffer = 64
)

// Feed opens one websocket per subscription and joins a single postgres_changes channel
// filtered to the topic's store or order.
type Feed struct {
	endpoint    string
	apiKey      string
	schema      string
	table       string
	dialer      *websocket.Dialer
	heartbeat   time.Duration
	joinTimeout time.Duration
	logger      *slog.Logger
	ref         atomic.Uint64
}

type Option func(*Feed)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTable overrides the schema and table the channel listens to (public.orders).
func WithTable(schema, table string) Option {
	return func(f *Feed) {
		if schema != "" {
			f.schema = schema
		}
		if table != "" {
			f.table = table
		}
	}
}

func WithHeartbeat(every time.Duration) Option {
	return func(f *Feed) {
		if every > 0 {
			f.heartbeat = every
		}
	}
}

func WithJoinTimeout(timeout time.Duration) Option {
	return func(f *Feed) {
		if timeout > 0 {
			f.joinTimeout = timeout
		}
	}
}

// NewFeed targets the project at supabaseURL (https://<ref>.supabase.co).
func NewFeed(supabaseURL, apiKey string, opts ...Option) (*Feed, error) {
	endpoint, err := websocketURL(supabaseURL, apiKey)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		endpoint:    endpoint,
		apiKey:      apiKey,
		schema:      "public",
		table:       "orders",
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat:   defaultHeartbeat,
		joinTimeout: defaultJoinTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func websocketURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("realtime: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// topicFilter maps orders:store:{id} and orders:order:{id} to a postgres_changes filter.
func topicFilter(topic string) (string, error) {
	if raw, ok := strings.CutPrefix(topic, "orders:store:"); ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
		return "store_id=eq." + strconv.FormatInt(id, 10), nil
	}
	if id, ok := strings.CutPrefix(topic, "orders:order:"); ok && id != "" {
		return "id=eq." + id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

// Subscribe dials, joins and waits for the join reply before returning.
func (f *Feed) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	filter, err := topicFilter(topic)
	if err != nil {
		return nil, err
	}
	conn, _, err := f.dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	sub := &subscription{
		feed:    f,
		conn:    conn,
		channel: "realtime:" + f.schema + ":" + f.table + ":" + filter,
		ch:      make(chan domain.Change, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	if err := sub.join(ctx, filter); err != nil {
		_ = conn.Close()
		return nil, err
	}
	sub.mu.Lock()
	sub.stopWatch = context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Unlock()
	go sub.readLoop()
	go sub.heartbeatLoop()
	return sub, nil
}

func (f *Feed) nextRef() string {
	return strconv.FormatUint(f.ref.Add(1), 10)
}

type message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type subscription struct {
	feed      *Feed
	conn      *websocket.Conn
	channel   string
	joinRef   string
	ch        chan domain.Change
	done      chan struct{}
	stopWatch func() bool

	writeMu sync.Mutex

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

func (s *subscription) join(ctx context.Context, filter string) error {
	s.joinRef = s.feed.nextRef()
	join := message{
		Topic: s.channel,
		Event: "phx_join",
		Payload: map[string]any{
			"config": map[string]any{
				"postgres_changes": []map[string]any{{
					"event":  "*",
					"schema": s.feed.schema,
					"table":  s.feed.table,
					"filter": filter,
				}},
			},
			"access_token": s.feed.apiKey,
		},
		Ref:     s.joinRef,
		JoinRef: s.joinRef,
	}
	if err := s.write(join); err != nil {
		return fmt.Errorf("realtime: send join: %w", err)
	}

	deadline := time.Now().Add(s.feed.joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: await join reply: %w", err)
		}
		msg := gjson.ParseBytes(raw)
		if msg.Get("event").String() != "phx_reply" || msg.Get("ref").String() != s.joinRef {
			continue
		}
		if status := msg.Get("payload.status").String(); status != "ok" {
			return fmt.Errorf("%w: %s %s", ErrJoinRejected, status, msg.Get("payload.response").Raw)
		}
		return nil
	}
}

func (s *subscription) write(msg message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *subscription) readLoop() {
	defer close(s.ch)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		msg := gjson.ParseBytes(raw)
		if msg.Get("topic").String() != s.channel {
			continue
		}
		switch event := msg.Get("event").String(); event {
		case "postgres_changes", "INSERT", "UPDATE":
			change, ok := s.decode(msg.Get("payload"))
			if !ok {
				continue
			}
			select {
			case s.ch <- change:
			case <-s.done:
				return
			}
		case "phx_error":
			s.fail(ErrChannelErrored)
			return
		case "phx_close":
			s.fail(ErrChannelClosed)
			return
		}
	}
}

func (s *subscription) decode(payload gjson.Result) (domain.Change, bool) {
	// Newer servers nest the change under data; older ones send it flat.
	data := payload
	if nested := payload.Get("data"); nested.Exists() {
		data = nested
	}
	var kind domain.ChangeKind
	switch data.Get("type").String() {
	case "INSERT":
		kind = domain.ChangeInsert
	case "UPDATE":
		kind = domain.ChangeUpdate
	default:
		// Deletes are picked up by the next poll.
		return domain.Change{}, false
	}
	order, err := DecodeOrder(data.Get("record"))
	if err != nil {
		s.feed.logger.Warn("dropping undecodable realtime record",
			slog.String("channel", s.channel), slog.String("error", err.Error()))
		return domain.Change{}, false
	}
	return domain.Change{Kind: kind, Order: order}, true
}

func (s *subscription) heartbeatLoop() {
	ticker := time.NewTicker(s.feed.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			hb := message{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}, Ref: s.feed.nextRef()}
			if err := s.write(hb); err != nil {
				s.fail(fmt.Errorf("realtime: heartbeat: %w", err))
				return
			}
		}
	}
}

// fail records err unless the subscription is being closed by its owner.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	if !s.closing && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscription) Changes() <-chan domain.Change { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	stopWatch := s.stopWatch
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
	if already {
		return nil
	}
	leave := message{Topic: s.channel, Event: "phx_leave", Payload: map[string]any{}, Ref: s.feed.nextRef(), JoinRef: s.joinRef}
	_ = s.write(leave)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown()
	return nil
}
