package checkout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/backend-resto/internal/order"
)

var (
	// ErrIllegalTransition is returned when an operation does not apply to the
	// current step.
	ErrIllegalTransition = errors.New("checkout: illegal transition")
	// ErrBusy is returned while an order submission is in flight.
	ErrBusy = errors.New("checkout: submission in progress")
	// ErrEmptyCart is returned when the cart has no lines to order.
	ErrEmptyCart = errors.New("checkout: cart is empty")
)

// ValidationError lists the customer or delivery fields that need fixing.
type ValidationError struct {
	Fields order.FieldErrors
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("checkout: invalid details: %s", strings.Join(keys, ", "))
}

// PaymentError reports a failure of the payment widget. No order was sent.
type PaymentError struct {
	Messages []string
}

func (e *PaymentError) Error() string {
	if len(e.Messages) == 0 {
		return "checkout: payment failed"
	}
	return "checkout: payment failed: " + strings.Join(e.Messages, "; ")
}

func illegal(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
