package checkout

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

// Cart is the cart being checked out.
type Cart interface {
	Snapshot(ctx context.Context) (cart.State, error)
	Clear(ctx context.Context) error
	SetDeliveryFee(ctx context.Context, fee pricing.Money) error
}

// Submitter sends an order request under an idempotency key.
type Submitter interface {
	Submit(ctx context.Context, key string, req order.Request) (order.Response, error)
}

// Navigator moves the customer to another page.
type Navigator interface {
	ToMenu()
	ToConfirmation(orderID string)
}

// Destination names a page the customer is sent to.
type Destination string

const (
	Menu             Destination = "menu"
	ConfirmationPage Destination = "confirmation"
)

// Redirect tells the client where the flow sent the customer.
type Redirect struct {
	To      Destination `json:"to"`
	OrderID string      `json:"orderId,omitempty"`
}

// Info is the customer form. OrderType, when set, replaces the current
// selection before validation.
type Info struct {
	OrderType    order.OrderType     `json:"orderType,omitempty"`
	CustomerInfo order.CustomerInfo  `json:"customerInfo"`
	DeliveryInfo *order.DeliveryInfo `json:"deliveryInfo,omitempty"`
}

// PaymentResult is what the payment widget produced: status "OK" with a
// token, or a list of errors.
type PaymentResult struct {
	Status string   `json:"status"`
	Token  string   `json:"token"`
	Errors []string `json:"errors,omitempty"`
}

// Config wires a Sequencer.
type Config struct {
	Cart      Cart
	Submitter Submitter
	Fees      cart.FeeSchedule
	Validate  *validator.Validate
	Navigator Navigator
	Logger    zerolog.Logger
	// NewKey generates idempotency keys, uuid.NewString by default.
	NewKey func() string
}

type attempt struct {
	key string
	req order.Request
	// charged holds the first charged-but-unrecorded failure of this attempt.
	// It is kept across later failures until the order is confirmed.
	charged *order.SubmissionError
}

// Sequencer drives one customer through checkout:
//
//	Idle -> CollectingInfo -> AwaitingPayment -> Submitting -> Confirmed | Failed
//
// An empty cart sends the customer back to the menu. Orders are submitted only
// on an explicit payment or retry, never automatically, and only one
// submission can be in flight.
type Sequencer struct {
	cfg Config

	mu           sync.Mutex
	state        State
	orderType    order.OrderType
	info         Info
	pending      *attempt
	lastErr      error
	confirmation *order.Response
	redirect     *Redirect
}

// NewSequencer returns a Sequencer in the Idle state.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.NewKey == nil {
		cfg.NewKey = uuid.NewString
	}
	if cfg.Validate == nil {
		cfg.Validate = order.NewValidator()
	}
	return &Sequencer{cfg: cfg, state: Idle, orderType: order.Pickup}
}

// Enter starts checkout. With an empty cart the customer is redirected to the
// menu and the flow ends. Entering an unfinished flow resumes it.
func (s *Sequencer) Enter(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case CollectingInfo, AwaitingPayment, Submitting, Failed:
		return s.viewLocked(), nil
	case Confirmed, RedirectedToMenu:
		s.resetLocked()
	}
	st, err := s.cfg.Cart.Snapshot(ctx)
	if err != nil {
		return s.viewLocked(), fmt.Errorf("checkout: read cart: %w", err)
	}
	if st.Empty() {
		s.toMenuLocked()
		return s.viewLocked(), nil
	}
	s.orderType = s.inferOrderType(st.DeliveryFee)
	if err := s.moveLocked(CollectingInfo); err != nil {
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// SelectOrderType switches between pickup and delivery and applies the
// matching delivery fee to the cart.
func (s *Sequencer) SelectOrderType(ctx context.Context, t order.OrderType) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return s.viewLocked(), ErrBusy
	}
	if s.state != CollectingInfo {
		return s.viewLocked(), illegal(s.state, CollectingInfo)
	}
	if err := s.selectLocked(ctx, t); err != nil {
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// ContinueToPayment validates the form and, when it is complete, moves to
// payment. Invalid details keep the flow where it is.
func (s *Sequencer) ContinueToPayment(ctx context.Context, info Info) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return s.viewLocked(), ErrBusy
	}
	if s.state != CollectingInfo {
		return s.viewLocked(), illegal(s.state, AwaitingPayment)
	}
	if info.OrderType != "" && info.OrderType != s.orderType {
		if err := s.selectLocked(ctx, info.OrderType); err != nil {
			return s.viewLocked(), err
		}
	}
	s.info = Info{CustomerInfo: info.CustomerInfo}
	if s.orderType == order.Delivery {
		s.info.DeliveryInfo = info.DeliveryInfo
	}
	if fields := order.ValidateContact(s.cfg.Validate, s.orderType, info.CustomerInfo, s.info.DeliveryInfo); len(fields) > 0 {
		verr := &ValidationError{Fields: fields}
		s.lastErr = verr
		return s.viewLocked(), verr
	}
	s.lastErr = nil
	if err := s.moveLocked(AwaitingPayment); err != nil {
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// BackToInfo returns from payment to the customer form.
func (s *Sequencer) BackToInfo(context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return s.viewLocked(), ErrBusy
	}
	if err := s.moveLocked(CollectingInfo); err != nil {
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// ReceivePayment handles the payment widget result. A widget error is
// surfaced and the customer stays on payment. A token snapshots the cart into
// an order request with a fresh idempotency key and submits it.
func (s *Sequencer) ReceivePayment(ctx context.Context, result PaymentResult) (View, error) {
	att, view, err := s.preparePayment(ctx, result)
	if att == nil {
		return view, err
	}
	return s.run(ctx, *att)
}

func (s *Sequencer) preparePayment(ctx context.Context, result PaymentResult) (*attempt, View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return nil, s.viewLocked(), ErrBusy
	}
	if s.state != AwaitingPayment {
		return nil, s.viewLocked(), illegal(s.state, Submitting)
	}
	token := strings.TrimSpace(result.Token)
	if !strings.EqualFold(result.Status, "OK") || token == "" {
		perr := &PaymentError{Messages: result.Errors}
		if len(perr.Messages) == 0 {
			perr.Messages = []string{"payment was not completed"}
		}
		if err := s.moveLocked(Failed); err != nil {
			return nil, s.viewLocked(), err
		}
		s.lastErr = perr
		if err := s.moveLocked(AwaitingPayment); err != nil {
			return nil, s.viewLocked(), err
		}
		return nil, s.viewLocked(), perr
	}
	req, err := s.buildRequestLocked(ctx, token)
	if err != nil {
		return nil, s.viewLocked(), err
	}
	s.pending = &attempt{key: s.cfg.NewKey(), req: req}
	s.lastErr = nil
	if err := s.moveLocked(Submitting); err != nil {
		return nil, s.viewLocked(), err
	}
	return &attempt{key: s.pending.key, req: s.pending.req}, s.viewLocked(), nil
}

// Retry resubmits after a failed submission without re-entering any details.
// The idempotency key is reused while the request is unchanged, so the order
// endpoint can never place it twice. A charged-but-unrecorded attempt is
// always resent exactly as before.
func (s *Sequencer) Retry(ctx context.Context) (View, error) {
	att, view, err := s.prepareRetry(ctx)
	if att == nil {
		return view, err
	}
	return s.run(ctx, *att)
}

func (s *Sequencer) prepareRetry(ctx context.Context) (*attempt, View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return nil, s.viewLocked(), ErrBusy
	}
	if s.state != Failed || s.pending == nil {
		return nil, s.viewLocked(), illegal(s.state, Submitting)
	}
	if s.pending.charged == nil {
		req, err := s.buildRequestLocked(ctx, s.pending.req.PaymentToken)
		if err != nil {
			return nil, s.viewLocked(), err
		}
		if !reflect.DeepEqual(req, s.pending.req) {
			s.pending = &attempt{key: s.cfg.NewKey(), req: req}
		}
	}
	if err := s.moveLocked(Submitting); err != nil {
		return nil, s.viewLocked(), err
	}
	return &attempt{key: s.pending.key, req: s.pending.req}, s.viewLocked(), nil
}

// ReturnToPayment leaves a failed submission to pay again, for example with
// another card. It is refused once the customer has been charged.
func (s *Sequencer) ReturnToPayment(context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return s.viewLocked(), ErrBusy
	}
	if s.chargedLocked() {
		return s.viewLocked(), illegal(s.state, AwaitingPayment)
	}
	if err := s.moveLocked(AwaitingPayment); err != nil {
		return s.viewLocked(), err
	}
	s.pending = nil
	s.lastErr = nil
	return s.viewLocked(), nil
}

// Abandon drops the flow. It has no side effects and is refused while an
// order is being submitted or after the customer has been charged.
func (s *Sequencer) Abandon(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Submitting {
		return ErrBusy
	}
	if s.chargedLocked() {
		return illegal(s.state, Idle)
	}
	s.resetLocked()
	return nil
}

// View returns the current state of the flow.
func (s *Sequencer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// State returns the current step.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run submits att. The submission is detached from ctx cancellation: once
// sent, an order is always carried through to Confirmed or Failed.
func (s *Sequencer) run(ctx context.Context, att attempt) (View, error) {
	ctx = context.WithoutCancel(ctx)
	resp, err := s.cfg.Submitter.Submit(ctx, att.key, att.req)

	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.cfg.Logger.With().Str("idempotency_key", att.key).Logger()
	if err != nil {
		s.lastErr = err
		if moveErr := s.moveLocked(Failed); moveErr != nil {
			return s.viewLocked(), moveErr
		}
		var subErr *order.SubmissionError
		if errors.As(err, &subErr) && subErr.Charged() {
			if s.pending != nil && s.pending.key == att.key && s.pending.charged == nil {
				s.pending.charged = subErr
			}
			log.Error().Err(err).Str("payment_id", subErr.PaymentID).Msg("order charged but not recorded")
		} else {
			log.Warn().Err(err).Msg("order submission failed")
		}
		return s.viewLocked(), err
	}
	if clearErr := s.cfg.Cart.Clear(ctx); clearErr != nil {
		log.Warn().Err(clearErr).Str("order_id", resp.OrderID).Msg("clear cart after order")
	}
	s.confirmation = &resp
	s.pending = nil
	s.lastErr = nil
	if err := s.moveLocked(Confirmed); err != nil {
		return s.viewLocked(), err
	}
	s.redirect = &Redirect{To: ConfirmationPage, OrderID: resp.OrderID}
	if s.cfg.Navigator != nil {
		s.cfg.Navigator.ToConfirmation(resp.OrderID)
	}
	log.Info().Str("order_id", resp.OrderID).Msg("order confirmed")
	return s.viewLocked(), nil
}

// chargedLocked reports whether the pending attempt has taken the customer's
// money without an order being recorded.
func (s *Sequencer) chargedLocked() bool {
	return s.pending != nil && s.pending.charged != nil
}

func (s *Sequencer) selectLocked(ctx context.Context, t order.OrderType) error {
	fee, err := s.cfg.Fees.For(string(t))
	if err != nil {
		verr := &ValidationError{Fields: order.FieldErrors{"orderType": "must be pickup or delivery"}}
		s.lastErr = verr
		return verr
	}
	if err := s.cfg.Cart.SetDeliveryFee(ctx, fee); err != nil {
		return fmt.Errorf("checkout: set delivery fee: %w", err)
	}
	s.orderType = t
	return nil
}

// buildRequestLocked snapshots the cart into an order request. The cart fee is
// brought in line with the selected order type first.
func (s *Sequencer) buildRequestLocked(ctx context.Context, token string) (order.Request, error) {
	st, err := s.cfg.Cart.Snapshot(ctx)
	if err != nil {
		return order.Request{}, fmt.Errorf("checkout: read cart: %w", err)
	}
	if st.Empty() {
		s.toMenuLocked()
		return order.Request{}, ErrEmptyCart
	}
	if fee, err := s.cfg.Fees.For(string(s.orderType)); err == nil && fee != st.DeliveryFee {
		if err := s.cfg.Cart.SetDeliveryFee(ctx, fee); err != nil {
			return order.Request{}, fmt.Errorf("checkout: set delivery fee: %w", err)
		}
		if st, err = s.cfg.Cart.Snapshot(ctx); err != nil {
			return order.Request{}, fmt.Errorf("checkout: read cart: %w", err)
		}
	}
	items := make([]order.Item, len(st.Lines))
	for i, l := range st.Lines {
		var mods []order.Modifier
		for _, m := range l.Modifiers {
			mods = append(mods, order.Modifier{ID: m.ID, Name: m.Name, Price: m.Price})
		}
		items[i] = order.Item{
			ID:                  l.CatalogItemID,
			Name:                l.Name,
			Price:               l.UnitPrice,
			Quantity:            l.Quantity,
			Modifiers:           mods,
			SpecialInstructions: l.SpecialInstructions,
		}
	}
	req := order.Request{
		Items:        items,
		Subtotal:     st.Subtotal,
		Tax:          st.Tax,
		DeliveryFee:  st.DeliveryFee,
		Total:        st.Total,
		CustomerInfo: s.info.CustomerInfo,
		OrderType:    s.orderType,
		PaymentToken: token,
	}
	if s.orderType == order.Delivery && s.info.DeliveryInfo != nil {
		d := *s.info.DeliveryInfo
		req.DeliveryInfo = &d
	}
	return req, nil
}

func (s *Sequencer) toMenuLocked() {
	if s.state.CanTransition(RedirectedToMenu) {
		_ = s.moveLocked(RedirectedToMenu)
	} else {
		s.state = RedirectedToMenu
	}
	s.pending = nil
	s.redirect = &Redirect{To: Menu}
	if s.cfg.Navigator != nil {
		s.cfg.Navigator.ToMenu()
	}
}

func (s *Sequencer) moveLocked(to State) error {
	from := s.state
	if !from.CanTransition(to) {
		return illegal(from, to)
	}
	s.state = to
	obs.CheckoutTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.cfg.Logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("checkout transition")
	return nil
}

func (s *Sequencer) resetLocked() {
	s.state = Idle
	s.orderType = order.Pickup
	s.info = Info{}
	s.pending = nil
	s.lastErr = nil
	s.confirmation = nil
	s.redirect = nil
}

func (s *Sequencer) inferOrderType(fee pricing.Money) order.OrderType {
	if s.cfg.Fees.Delivery != s.cfg.Fees.Pickup && fee == s.cfg.Fees.Delivery {
		return order.Delivery
	}
	return order.Pickup
}
