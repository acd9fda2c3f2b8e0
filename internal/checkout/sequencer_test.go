package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/checkout"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

var fees = cart.FeeSchedule{Pickup: 0, Delivery: 499}

type call struct {
	key string
	req order.Request
}

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []call
	errs    []error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSubmitter) Submit(_ context.Context, key string, req order.Request) (order.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{key: key, req: req})
	n := len(f.calls)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if err != nil {
		return order.Response{}, err
	}
	return order.Response{
		OrderID:     fmt.Sprintf("order-%d", n),
		Status:      order.StatusPaid,
		Subtotal:    req.Subtotal,
		Tax:         req.Tax,
		DeliveryFee: req.DeliveryFee,
		Total:       req.Total,
		Items:       req.Items,
	}, nil
}

func (f *fakeSubmitter) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeNavigator struct {
	menu         int
	confirmation []string
}

func (n *fakeNavigator) ToMenu() { n.menu++ }

func (n *fakeNavigator) ToConfirmation(orderID string) {
	n.confirmation = append(n.confirmation, orderID)
}

type harness struct {
	seq  *checkout.Sequencer
	cart *cart.Cart
	sub  *fakeSubmitter
	nav  *fakeNavigator
}

func newHarness(t *testing.T, sub *fakeSubmitter) harness {
	t.Helper()
	if sub == nil {
		sub = &fakeSubmitter{}
	}
	c := cart.New(cart.Config{Key: "sess-1", TaxBps: pricing.DefaultTaxBps})
	nav := &fakeNavigator{}
	keys := 0
	seq := checkout.NewSequencer(checkout.Config{
		Cart:      cart.Local{Cart: c},
		Submitter: sub,
		Fees:      fees,
		Navigator: nav,
		NewKey: func() string {
			keys++
			return fmt.Sprintf("key-%d", keys)
		},
	})
	return harness{seq: seq, cart: c, sub: sub, nav: nav}
}

func addBurgers(t *testing.T, c *cart.Cart) {
	t.Helper()
	_, err := c.AddItem(context.Background(), cart.Item{
		CatalogItemID: "burger",
		Name:          "Classic Burger",
		UnitPrice:     1000,
		Modifiers:     []cart.Modifier{{ID: "cheese", Name: "Cheese", Price: 150}},
		Quantity:      2,
	})
	require.NoError(t, err)
}

func deliveryInfo() checkout.Info {
	return checkout.Info{
		OrderType:    order.Delivery,
		CustomerInfo: order.CustomerInfo{Name: "Ada", Email: "ada@example.com", Phone: "555-0100"},
		DeliveryInfo: &order.DeliveryInfo{Address: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701"},
	}
}

var paid = checkout.PaymentResult{Status: "OK", Token: "cnon:card-nonce-ok"}

// toPayment walks a harness with two burgers in the cart to AwaitingPayment.
func toPayment(t *testing.T, h harness) {
	t.Helper()
	ctx := context.Background()
	addBurgers(t, h.cart)
	view, err := h.seq.Enter(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.CollectingInfo, view.State)
	view, err = h.seq.ContinueToPayment(ctx, deliveryInfo())
	require.NoError(t, err)
	require.Equal(t, checkout.AwaitingPayment, view.State)
}

func TestEnterWithEmptyCartRedirectsToMenu(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	view, err := h.seq.Enter(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.RedirectedToMenu, view.State)
	require.Equal(t, checkout.Menu, view.Redirect.To)
	require.Equal(t, 1, h.nav.menu)

	_, err = h.seq.ContinueToPayment(ctx, deliveryInfo())
	require.ErrorIs(t, err, checkout.ErrIllegalTransition)
	require.Empty(t, h.sub.Calls())
}

func TestEnterInfersOrderTypeFromCartFee(t *testing.T) {
	h := newHarness(t, nil)
	addBurgers(t, h.cart)
	h.cart.SetDeliveryFee(context.Background(), 499)

	view, err := h.seq.Enter(context.Background())
	require.NoError(t, err)
	require.Equal(t, order.Delivery, view.OrderType)
}

func TestDeliveryWithoutAddressIsRejectedLocally(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	addBurgers(t, h.cart)
	_, err := h.seq.Enter(ctx)
	require.NoError(t, err)

	info := deliveryInfo()
	info.DeliveryInfo.Address = "  "
	view, err := h.seq.ContinueToPayment(ctx, info)
	var verr *checkout.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "deliveryInfo.address")
	require.Equal(t, checkout.CollectingInfo, view.State)
	require.Equal(t, "validation", view.Error.Kind)
	require.Empty(t, h.sub.Calls())

	_, err = h.seq.ReceivePayment(ctx, paid)
	require.ErrorIs(t, err, checkout.ErrIllegalTransition)
	require.Empty(t, h.sub.Calls())
}

func TestPickupSkipsDeliveryDetails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	addBurgers(t, h.cart)
	_, err := h.seq.Enter(ctx)
	require.NoError(t, err)

	info := deliveryInfo()
	info.OrderType = order.Pickup
	info.DeliveryInfo = nil
	view, err := h.seq.ContinueToPayment(ctx, info)
	require.NoError(t, err)
	require.Equal(t, checkout.AwaitingPayment, view.State)

	_, err = h.seq.ReceivePayment(ctx, paid)
	require.NoError(t, err)
	req := h.sub.Calls()[0].req
	require.Equal(t, order.Pickup, req.OrderType)
	require.Nil(t, req.DeliveryInfo)
	require.Equal(t, pricing.Money(0), req.DeliveryFee)
	require.Equal(t, pricing.Money(2473), req.Total)
}

func TestSuccessfulOrderClearsCartAndNavigates(t *testing.T) {
	h := newHarness(t, nil)
	toPayment(t, h)
	require.Equal(t, pricing.Money(499), h.cart.State().DeliveryFee)

	view, err := h.seq.ReceivePayment(context.Background(), paid)
	require.NoError(t, err)
	require.Equal(t, checkout.Confirmed, view.State)
	require.Equal(t, "order-1", view.Order.OrderID)
	require.Equal(t, []string{"order-1"}, h.nav.confirmation)
	require.Equal(t, &checkout.Redirect{To: checkout.ConfirmationPage, OrderID: "order-1"}, view.Redirect)

	calls := h.sub.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "key-1", calls[0].key)
	req := calls[0].req
	require.Equal(t, pricing.Money(2300), req.Subtotal)
	require.Equal(t, pricing.Money(173), req.Tax)
	require.Equal(t, pricing.Money(499), req.DeliveryFee)
	require.Equal(t, pricing.Money(2972), req.Total)
	require.Equal(t, "1 Main St", req.DeliveryInfo.Address)
	require.Equal(t, paid.Token, req.PaymentToken)
	require.Len(t, req.Items, 1)
	require.Equal(t, "cheese", req.Items[0].Modifiers[0].ID)

	st := h.cart.State()
	require.True(t, st.Empty())
	require.Equal(t, pricing.Money(499), st.DeliveryFee)
}

func TestFailedSubmissionKeepsCartAndRetriesWithSameKey(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{&order.SubmissionError{Kind: order.Unavailable, Code: "PAYMENT_UNAVAILABLE"}}}
	h := newHarness(t, sub)
	toPayment(t, h)
	ctx := context.Background()

	view, err := h.seq.ReceivePayment(ctx, paid)
	require.Error(t, err)
	require.Equal(t, checkout.Failed, view.State)
	require.True(t, view.CanRetry)
	require.True(t, view.Error.Retryable)
	require.False(t, view.Error.Charged)
	require.Len(t, h.cart.State().Lines, 1)
	require.Empty(t, h.nav.confirmation)

	view, err = h.seq.Retry(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.Confirmed, view.State)
	calls := sub.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, calls[0].key, calls[1].key)
	require.Equal(t, calls[0].req, calls[1].req)
	require.True(t, h.cart.State().Empty())
}

func TestRetryAfterCartChangeUsesNewKey(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{&order.SubmissionError{Kind: order.Rejected, Code: "PRICE_MISMATCH"}}}
	h := newHarness(t, sub)
	toPayment(t, h)
	ctx := context.Background()

	_, err := h.seq.ReceivePayment(ctx, paid)
	require.Error(t, err)
	addBurgers(t, h.cart)

	_, err = h.seq.Retry(ctx)
	require.NoError(t, err)
	calls := sub.Calls()
	require.Len(t, calls, 2)
	require.NotEqual(t, calls[0].key, calls[1].key)
	require.Equal(t, 4, calls[1].req.Items[0].Quantity)
}

func TestChargedNotRecordedResendsSameRequest(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{&order.SubmissionError{Kind: order.ChargedNotRecorded, Code: "ORDER_RECORD_FAILED", PaymentID: "pay-1"}}}
	h := newHarness(t, sub)
	toPayment(t, h)
	ctx := context.Background()

	view, err := h.seq.ReceivePayment(ctx, paid)
	require.Error(t, err)
	require.True(t, view.Error.Charged)
	require.False(t, view.Error.Retryable)
	require.Equal(t, "pay-1", view.Error.PaymentID)
	require.Len(t, h.cart.State().Lines, 1)

	_, err = h.seq.ReturnToPayment(ctx)
	require.ErrorIs(t, err, checkout.ErrIllegalTransition)

	addBurgers(t, h.cart)
	_, err = h.seq.Retry(ctx)
	require.NoError(t, err)
	calls := sub.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, calls[0], calls[1])
}

func TestChargedStatusSurvivesLaterFailures(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{
		&order.SubmissionError{Kind: order.ChargedNotRecorded, Code: "ORDER_RECORD_FAILED", PaymentID: "pay-1"},
		&order.SubmissionError{Kind: order.Unavailable, Code: "ORDER_ENDPOINT_UNAVAILABLE"},
	}}
	h := newHarness(t, sub)
	toPayment(t, h)
	ctx := context.Background()

	_, err := h.seq.ReceivePayment(ctx, paid)
	require.Error(t, err)

	view, err := h.seq.Retry(ctx)
	require.Error(t, err)
	require.Equal(t, checkout.Failed, view.State)
	require.True(t, view.CanRetry)
	require.True(t, view.Error.Charged)
	require.False(t, view.Error.Retryable)
	require.Equal(t, "pay-1", view.Error.PaymentID)

	_, err = h.seq.ReturnToPayment(ctx)
	require.ErrorIs(t, err, checkout.ErrIllegalTransition)
	require.ErrorIs(t, h.seq.Abandon(ctx), checkout.ErrIllegalTransition)
	require.Equal(t, checkout.Failed, h.seq.State())

	addBurgers(t, h.cart)
	view, err = h.seq.Retry(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.Confirmed, view.State)
	require.Nil(t, view.Error)
	calls := sub.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, calls[0], calls[1])
	require.Equal(t, calls[0], calls[2])
}

func TestPaymentWidgetErrorReturnsToPayment(t *testing.T) {
	h := newHarness(t, nil)
	toPayment(t, h)

	view, err := h.seq.ReceivePayment(context.Background(), checkout.PaymentResult{Status: "ERROR", Errors: []string{"Card number is invalid"}})
	var perr *checkout.PaymentError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, checkout.AwaitingPayment, view.State)
	require.Equal(t, "payment", view.Error.Kind)
	require.Equal(t, "Card number is invalid", view.Error.Message)
	require.Empty(t, h.sub.Calls())

	view, err = h.seq.ReceivePayment(context.Background(), paid)
	require.NoError(t, err)
	require.Equal(t, checkout.Confirmed, view.State)
}

func TestSubmittingRefusesDuplicatesAndUsesSnapshot(t *testing.T) {
	sub := &fakeSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, sub)
	toPayment(t, h)
	ctx := context.Background()

	type outcome struct {
		view checkout.View
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		view, err := h.seq.ReceivePayment(ctx, paid)
		done <- outcome{view: view, err: err}
	}()
	select {
	case <-sub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not start")
	}
	require.Equal(t, checkout.Submitting, h.seq.State())

	_, err := h.seq.ReceivePayment(ctx, paid)
	require.ErrorIs(t, err, checkout.ErrBusy)
	_, err = h.seq.Retry(ctx)
	require.ErrorIs(t, err, checkout.ErrBusy)
	require.ErrorIs(t, h.seq.Abandon(ctx), checkout.ErrBusy)

	addBurgers(t, h.cart)
	close(sub.release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, checkout.Confirmed, res.view.State)

	calls := sub.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, 2, calls[0].req.Items[0].Quantity)
}

func TestAbandonHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	toPayment(t, h)
	ctx := context.Background()

	require.NoError(t, h.seq.Abandon(ctx))
	require.Equal(t, checkout.Idle, h.seq.State())
	require.Len(t, h.cart.State().Lines, 1)
	require.Empty(t, h.sub.Calls())
}

func TestBackToInfoAndResume(t *testing.T) {
	h := newHarness(t, nil)
	toPayment(t, h)
	ctx := context.Background()

	view, err := h.seq.BackToInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.CollectingInfo, view.State)
	require.Equal(t, "Ada", view.CustomerInfo.Name)

	view, err = h.seq.Enter(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.CollectingInfo, view.State)
}

func TestCartReadFailureIsReported(t *testing.T) {
	seq := checkout.NewSequencer(checkout.Config{Cart: brokenCart{}, Submitter: &fakeSubmitter{}, Fees: fees})
	view, err := seq.Enter(context.Background())
	require.Error(t, err)
	require.Equal(t, checkout.Idle, view.State)
}

type brokenCart struct{}

func (brokenCart) Snapshot(context.Context) (cart.State, error) {
	return cart.State{}, errors.New("redis down")
}

func (brokenCart) Clear(context.Context) error { return nil }

func (brokenCart) SetDeliveryFee(context.Context, pricing.Money) error { return nil }

func TestStateTransitions(t *testing.T) {
	require.True(t, checkout.Idle.CanTransition(checkout.CollectingInfo))
	require.False(t, checkout.CollectingInfo.CanTransition(checkout.Submitting))
	require.False(t, checkout.Confirmed.CanTransition(checkout.Failed))
	require.True(t, checkout.Confirmed.IsTerminal())
	require.True(t, checkout.RedirectedToMenu.IsTerminal())
	require.False(t, checkout.Failed.IsTerminal())
}
