package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/payment"
)

const maxIdempotencyKeyLen = 255

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Service places orders with a two-phase payment: the payment is authorized,
// the order recorded, and only then captured. A failure after authorization
// voids the hold so the customer is never charged for an unrecorded order,
// except when the final write fails after capture, which is reported as
// ORDER_RECORD_FAILED with charged=true.
type Service struct {
	Store    Store
	Payments payment.Provider
	Events   Emitter
	// Catalog, when set, re-prices every line against the menu.
	Catalog catalog.Provider
	// Fees, when set, pins the delivery fee for each order type.
	Fees     *cart.FeeSchedule
	Validate *validator.Validate
	TaxBps   int
	Currency string
	PrepTime time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Result is a placed order. Replayed is set when the idempotency key had
// already completed and the stored confirmation was returned.
type Result struct {
	Response Response
	Replayed bool
}

// Submit validates req and places it under the idempotency key.
func (s *Service) Submit(ctx context.Context, sessionID, key string, req Request) (Result, error) {
	if s == nil || s.Store == nil || s.Payments == nil {
		return Result{}, errors.New("order service not configured")
	}
	ctx, span := obs.StartSpan(ctx, "order", "order.Submit", attribute.String("order.type", string(req.OrderType)))
	defer span.End()

	res, err := s.submit(ctx, sessionID, strings.TrimSpace(key), req)
	var appErr *common.AppError
	switch {
	case err == nil && res.Replayed:
		obs.OrderSubmissionsTotal.WithLabelValues("replayed").Inc()
	case err == nil:
		obs.OrderSubmissionsTotal.WithLabelValues("placed").Inc()
		span.SetAttributes(attribute.String("order.id", res.Response.OrderID))
	case errors.As(err, &appErr):
		obs.OrderSubmissionsTotal.WithLabelValues(strings.ToLower(appErr.Code)).Inc()
		span.SetStatus(codes.Error, appErr.Code)
	default:
		obs.OrderSubmissionsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, sessionID, key string, req Request) (Result, error) {
	if key == "" || len(key) > maxIdempotencyKeyLen {
		return Result{}, failure(http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key header is required", false, false, nil)
	}
	req.Normalize()
	if fields := ValidateRequest(s.Validate, req); len(fields) > 0 {
		return Result{}, failure(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "order request is invalid", false, false, map[string]any{"fields": fields})
	}
	if err := s.checkTotals(req); err != nil {
		return Result{}, err
	}
	hash, err := requestHash(req)
	if err != nil {
		return Result{}, err
	}

	existing, err := s.Store.ByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if existing.RequestHash != hash {
			return Result{}, failure(http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used for a different order", false, false, nil)
		}
		switch existing.Status {
		case StatusPaid:
			return Result{Response: existing.Response(), Replayed: true}, nil
		case StatusAuthorized:
			// A previous attempt recorded the order but never confirmed the
			// capture; finish it. The menu is not checked again: the
			// customer may already have paid.
			resp, err := s.capture(ctx, existing, true)
			return Result{Response: resp}, err
		}
		if err := s.checkCatalog(ctx, req); err != nil {
			return Result{}, err
		}
		// A pending attempt may have reached the processor; reusing its key
		// returns the same authorization instead of placing a second hold.
		if existing.Status != StatusPending {
			existing.Attempts++
		}
		existing.Status = StatusPending
		existing.UpdatedAt = s.now()
		if err := s.Store.Update(ctx, existing); err != nil {
			return Result{}, storeUnavailable(err)
		}
		resp, err := s.authorize(ctx, existing, req.PaymentToken)
		return Result{Response: resp}, err
	case errors.Is(err, ErrNotFound):
	default:
		return Result{}, storeUnavailable(err)
	}
	if err := s.checkCatalog(ctx, req); err != nil {
		return Result{}, err
	}

	o := s.newOrder(sessionID, key, hash, req)
	if err := s.Store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Result{}, failure(http.StatusConflict, "IDEMPOTENT_IN_FLIGHT", "an order with this idempotency key is being processed", false, true, nil)
		}
		return Result{}, storeUnavailable(err)
	}
	resp, err := s.authorize(ctx, o, req.PaymentToken)
	return Result{Response: resp}, err
}

// Get returns the confirmation view of a recorded order.
func (s *Service) Get(ctx context.Context, id string) (Response, error) {
	if s == nil || s.Store == nil {
		return Response{}, errors.New("order service not configured")
	}
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return o.Response(), nil
}

func (s *Service) authorize(ctx context.Context, o Order, token string) (Response, error) {
	log := s.Logger.With().Str("order_id", o.ID).Logger()
	auth, err := s.authorizeAttempt(ctx, o, token)
	if err == nil && auth.Status == payment.StatusCanceled {
		// The hold behind this key was released by an earlier failure.
		o.Attempts++
		o.UpdatedAt = s.now()
		if err := s.Store.Update(ctx, o); err != nil {
			return Response{}, storeUnavailable(err)
		}
		auth, err = s.authorizeAttempt(ctx, o, token)
	}
	if err != nil {
		if errors.Is(err, payment.ErrDeclined) {
			o.Status = StatusDeclined
			s.bestEffortUpdate(ctx, o, log)
			details := map[string]any{}
			var decline *payment.DeclineError
			if errors.As(err, &decline) {
				details["reason"] = decline.Code
			}
			log.Info().Err(err).Msg("payment declined")
			return Response{}, caused(failure(http.StatusPaymentRequired, "PAYMENT_DECLINED", "payment was declined", false, false, details), err)
		}
		log.Warn().Err(err).Msg("payment authorization failed")
		return Response{}, caused(failure(http.StatusServiceUnavailable, "PAYMENT_UNAVAILABLE", "payment processor is unavailable, please try again", false, true, nil), err)
	}

	o.Status = StatusAuthorized
	o.PaymentProvider = auth.Provider
	o.PaymentID = auth.PaymentID
	o.UpdatedAt = s.now()
	if err := s.Store.Update(ctx, o); err != nil {
		voidErr := s.Payments.Void(ctx, o.PaymentID)
		if voidErr != nil {
			log.Error().Err(voidErr).Str("payment_id", o.PaymentID).Msg("void after record failure failed, authorization left to expire")
		}
		log.Warn().Err(err).Str("payment_id", o.PaymentID).Msg("record authorized order failed")
		return Response{}, caused(failure(http.StatusServiceUnavailable, "ORDER_NOT_RECORDED", "order could not be recorded and the payment was released, please try again", false, true, nil), err)
	}
	return s.capture(ctx, o, false)
}

func (s *Service) authorizeAttempt(ctx context.Context, o Order, token string) (payment.Authorization, error) {
	return s.Payments.Authorize(ctx, payment.AuthorizeRequest{
		IdempotencyKey: paymentKey(o.IdempotencyKey, o.Attempts),
		Token:          token,
		Amount:         o.Total,
		Currency:       s.currency(),
		ReferenceID:    o.ID,
		Note:           fmt.Sprintf("Online %s order", o.OrderType),
		BuyerEmail:     o.Customer.Email,
	})
}

// capture completes the payment of a recorded order and marks it paid.
// resumed is set when an earlier request recorded the order; its capture may
// already have gone through, so a failure is never voided and is reported as
// a possible charge.
func (s *Service) capture(ctx context.Context, o Order, resumed bool) (Response, error) {
	log := s.Logger.With().Str("order_id", o.ID).Str("payment_id", o.PaymentID).Logger()
	if err := s.Payments.Capture(ctx, o.PaymentID); err != nil {
		if resumed {
			log.Error().Err(err).Msg("capture of recorded order failed, payment may already be taken")
			return Response{}, caused(failure(http.StatusInternalServerError, "ORDER_RECORD_FAILED",
				"your payment may have been taken but the order could not be confirmed, please contact the restaurant", true, false,
				map[string]any{"paymentId": o.PaymentID, "orderId": o.ID}), err)
		}
		if voidErr := s.Payments.Void(ctx, o.PaymentID); voidErr != nil {
			log.Error().Err(voidErr).Msg("void after capture failure failed")
		}
		o.Status = StatusVoided
		o.UpdatedAt = s.now()
		s.bestEffortUpdate(ctx, o, log)
		s.emit(ctx, events.TopicPaymentVoided, o, contactPayload(o))
		log.Warn().Err(err).Msg("payment capture failed")
		return Response{}, caused(failure(http.StatusPaymentRequired, "PAYMENT_CAPTURE_FAILED", "payment could not be completed and was released", false, false, nil), err)
	}

	now := s.now()
	ready := now.Add(s.PrepTime)
	o.Status = StatusPaid
	o.EstimatedReadyAt = &ready
	o.UpdatedAt = now
	if err := s.Store.Update(ctx, o); err != nil {
		log.Error().Err(err).Msg("order charged but not recorded")
		s.emit(ctx, events.TopicOrderFailed, o, contactPayload(o))
		return Response{}, caused(failure(http.StatusInternalServerError, "ORDER_RECORD_FAILED",
			"your payment was taken but the order could not be confirmed, please contact the restaurant", true, false,
			map[string]any{"paymentId": o.PaymentID, "orderId": o.ID}), err)
	}
	log.Info().Str("total", o.Total.String()).Msg("order placed")
	s.emit(ctx, events.TopicOrderCreated, o, createdPayload(o))
	return o.Response(), nil
}

func (s *Service) emit(ctx context.Context, topic string, o Order, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, o.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("order_id", o.ID).Str("topic", topic).Msg("emit order event")
	}
}

func (s *Service) bestEffortUpdate(ctx context.Context, o Order, log zerolog.Logger) {
	o.UpdatedAt = s.now()
	if err := s.Store.Update(ctx, o); err != nil {
		log.Warn().Err(err).Str("status", string(o.Status)).Msg("update order status")
	}
}

func (s *Service) checkTotals(req Request) error {
	if s.Fees != nil {
		fee, err := s.Fees.For(string(req.OrderType))
		if err == nil && fee != req.DeliveryFee {
			return failure(http.StatusUnprocessableEntity, "TOTALS_MISMATCH", "delivery fee does not match the order type", false, false,
				map[string]any{"expected": map[string]any{"deliveryFee": fee}})
		}
	}
	want := req.Totals(s.TaxBps)
	if want.Subtotal != req.Subtotal || want.Tax != req.Tax || want.Total != req.Total {
		return failure(http.StatusUnprocessableEntity, "TOTALS_MISMATCH", "order totals do not match the items", false, false,
			map[string]any{"expected": want})
	}
	return nil
}

func (s *Service) checkCatalog(ctx context.Context, req Request) error {
	if s.Catalog == nil {
		return nil
	}
	for i, it := range req.Items {
		menuItem, err := s.Catalog.Get(ctx, it.ID)
		if errors.Is(err, catalog.ErrNotFound) || (err == nil && !menuItem.InStock) {
			return failure(http.StatusUnprocessableEntity, "ITEM_UNAVAILABLE", fmt.Sprintf("%s is no longer available", it.Name), false, false,
				map[string]any{"item": i})
		}
		if err != nil {
			return caused(failure(http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", "menu is unavailable, please try again", false, true, nil), err)
		}
		mismatch := menuItem.Price != it.Price
		for _, m := range it.Modifiers {
			menuMod, ok := menuItem.Modifier(m.ID)
			if !ok || menuMod.Price != m.Price {
				mismatch = true
			}
		}
		if mismatch {
			return failure(http.StatusUnprocessableEntity, "PRICE_MISMATCH", fmt.Sprintf("the price of %s has changed", it.Name), false, false,
				map[string]any{"item": i})
		}
	}
	return nil
}

func (s *Service) newOrder(sessionID, key, hash string, req Request) Order {
	now := s.now()
	totals := req.Totals(s.TaxBps)
	return Order{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		RequestHash:    hash,
		SessionID:      sessionID,
		Status:         StatusPending,
		OrderType:      req.OrderType,
		Attempts:       1,
		Items:          append([]Item(nil), req.Items...),
		Customer:       req.CustomerInfo,
		Delivery:       req.DeliveryInfo,
		Subtotal:       totals.Subtotal,
		Tax:            totals.Tax,
		DeliveryFee:    totals.DeliveryFee,
		Total:          totals.Total,
		Currency:       s.currency(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "USD"
	}
	return s.Currency
}

func createdPayload(o Order) map[string]any {
	payload := map[string]any{
		"orderId":      o.ID,
		"orderType":    o.OrderType,
		"customerName": o.Customer.Name,
		"email":        o.Customer.Email,
		"phone":        o.Customer.Phone,
		"items":        o.Items,
		"subtotal":     o.Subtotal,
		"tax":          o.Tax,
		"deliveryFee":  o.DeliveryFee,
		"total":        o.Total,
	}
	if o.EstimatedReadyAt != nil {
		payload["estimatedReadyTime"] = o.EstimatedReadyAt.Format(time.RFC3339)
	}
	if o.Delivery != nil {
		payload["deliveryInfo"] = o.Delivery
	}
	return payload
}

func contactPayload(o Order) map[string]any {
	return map[string]any{
		"orderId":      o.ID,
		"paymentId":    o.PaymentID,
		"customerName": o.Customer.Name,
		"email":        o.Customer.Email,
		"total":        o.Total,
	}
}

// requestHash fingerprints the request so a key cannot be reused for a
// different order.
func requestHash(req Request) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("order: hash request: %w", err)
	}
	return common.Sha256Hex(raw), nil
}

// paymentKey derives the processor idempotency key for one authorization
// attempt. Square accepts at most 45 characters.
func paymentKey(key string, attempt int) string {
	return common.Sha256Hex([]byte(fmt.Sprintf("%s#%d", key, attempt)))[:40]
}

// failure builds the error body of the order endpoint. Every failure states
// whether the customer was charged and whether the same request may be retried.
func failure(status int, code, message string, charged, retryable bool, extra map[string]any) *common.AppError {
	details := map[string]any{"charged": charged, "retryable": retryable}
	for k, v := range extra {
		details[k] = v
	}
	return common.NewAppError(code, message, status, nil).WithDetails(details)
}

func caused(appErr *common.AppError, err error) *common.AppError {
	appErr.Err = err
	return appErr
}

func storeUnavailable(err error) error {
	return caused(failure(http.StatusServiceUnavailable, "ORDER_STORE_UNAVAILABLE", "orders are temporarily unavailable, please try again", false, true, nil), err)
}
