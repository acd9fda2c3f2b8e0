package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

var (
	// ErrDeclined marks a payment refused by the processor; nothing was charged.
	ErrDeclined = errors.New("payment: declined")
	// ErrUnavailable marks a processor that could not be reached or failed.
	ErrUnavailable = errors.New("payment: processor unavailable")
)

// DeclineError carries the processor's reason for refusing a payment.
type DeclineError struct {
	Code   string
	Detail string
}

func (e *DeclineError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("payment declined: %s", e.Code)
	}
	return fmt.Sprintf("payment declined: %s: %s", e.Code, e.Detail)
}

// Is reports DeclineError as ErrDeclined.
func (e *DeclineError) Is(target error) bool { return target == ErrDeclined }

// Payment statuses as reported by Square.
const (
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusCanceled  = "CANCELED"
)

// AuthorizeRequest asks the processor to hold funds without capturing them.
type AuthorizeRequest struct {
	IdempotencyKey string
	Token          string
	Amount         pricing.Money
	Currency       string
	ReferenceID    string
	Note           string
	BuyerEmail     string
}

// Authorization is a hold on the customer's funds.
type Authorization struct {
	Provider  string        `json:"provider"`
	PaymentID string        `json:"paymentId"`
	Status    string        `json:"status"`
	Amount    pricing.Money `json:"amount"`
}

// Provider is a two-phase payment processor: funds are authorized first and
// captured only once the order has been recorded, or voided otherwise.
type Provider interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Capture(ctx context.Context, paymentID string) error
	Void(ctx context.Context, paymentID string) error
}

func validateAuthorize(req AuthorizeRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return errors.New("payment: idempotency key is required")
	case req.Token == "":
		return &DeclineError{Code: "MISSING_TOKEN", Detail: "payment token is required"}
	case req.Amount <= 0:
		return errors.New("payment: amount must be positive")
	}
	return nil
}
