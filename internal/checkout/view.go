package checkout

import (
	"errors"

	"github.com/noah-isme/backend-resto/internal/order"
)

// ErrorView is the customer-facing description of the last failure.
type ErrorView struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Charged   bool              `json:"charged"`
	Retryable bool              `json:"retryable"`
	PaymentID string            `json:"paymentId,omitempty"`
}

// View is a snapshot of the flow for rendering.
type View struct {
	State        State               `json:"state"`
	OrderType    order.OrderType     `json:"orderType"`
	CustomerInfo order.CustomerInfo  `json:"customerInfo"`
	DeliveryInfo *order.DeliveryInfo `json:"deliveryInfo,omitempty"`
	CanRetry     bool                `json:"canRetry"`
	Error        *ErrorView          `json:"error,omitempty"`
	Order        *order.Response     `json:"order,omitempty"`
	Redirect     *Redirect           `json:"redirect,omitempty"`
}

const (
	msgCharged     = "Your payment went through but the order was not confirmed. Please contact the restaurant and do not pay again."
	msgUnavailable = "We could not reach the restaurant. Your card was not charged. Please try again."
	msgRejected    = "Your order could not be placed. Your card was not charged."
	msgInternal    = "Something went wrong. Your card was not charged."
)

func (s *Sequencer) viewLocked() View {
	v := View{
		State:        s.state,
		OrderType:    s.orderType,
		CustomerInfo: s.info.CustomerInfo,
		CanRetry:     s.state == Failed && s.pending != nil,
		Redirect:     s.redirect,
	}
	if s.info.DeliveryInfo != nil {
		d := *s.info.DeliveryInfo
		v.DeliveryInfo = &d
	}
	if s.confirmation != nil {
		resp := *s.confirmation
		v.Order = &resp
	}
	if s.lastErr != nil {
		v.Error = describe(s.lastErr)
	}
	if s.chargedLocked() && (v.Error == nil || !v.Error.Charged) {
		// A later failure must not hide that the customer already paid.
		v.Error = describe(s.pending.charged)
	}
	return v
}

func describe(err error) *ErrorView {
	var (
		verr   *ValidationError
		perr   *PaymentError
		subErr *order.SubmissionError
	)
	switch {
	case errors.As(err, &verr):
		return &ErrorView{Kind: "validation", Message: "Please check the highlighted fields.", Fields: verr.Fields}
	case errors.As(err, &perr):
		msg := "Payment was not completed."
		if len(perr.Messages) > 0 {
			msg = perr.Messages[0]
		}
		return &ErrorView{Kind: "payment", Message: msg}
	case errors.As(err, &subErr):
		ev := &ErrorView{
			Kind:      string(subErr.Kind),
			Charged:   subErr.Charged(),
			Retryable: subErr.Retryable(),
			PaymentID: subErr.PaymentID,
			Fields:    subErr.Fields,
		}
		switch {
		case subErr.Charged():
			ev.Message = msgCharged
		case subErr.Retryable():
			ev.Message = msgUnavailable
		case subErr.Message != "":
			ev.Message = subErr.Message
		default:
			ev.Message = msgRejected
		}
		return ev
	default:
		return &ErrorView{Kind: "internal", Message: msgInternal}
	}
}
