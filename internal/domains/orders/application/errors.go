package application

import (
	"errors"
	"fmt"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

var (
	// ErrInvalidInput signals the request violated a domain invariant.
	ErrInvalidInput = errors.New("invalid order input")
)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidStatus) ||
		errors.Is(err, domain.ErrInvalidContext) ||
		errors.Is(err, domain.ErrInvalidStoreID) ||
		errors.Is(err, domain.ErrMissingID) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}
