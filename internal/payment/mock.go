package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-resto/internal/obs"
)

// Test tokens understood by Mock, mirroring the Square sandbox nonces.
const (
	MockTokenOK       = "cnon:card-nonce-ok"
	MockTokenDeclined = "cnon:card-nonce-declined"
)

// Mock is an in-memory processor for local runs and tests. Tokens equal to
// MockTokenDeclined are declined; every other non-empty token is authorized.
// Authorizations are deduplicated by idempotency key.
type Mock struct {
	mu       sync.Mutex
	payments map[string]*mockPayment
	byKey    map[string]string

	// FailAuthorize, FailCapture and FailVoid inject processor outages.
	FailAuthorize error
	FailCapture   error
	FailVoid      error
	// RejectRecapture makes capturing an already completed payment fail, as
	// some processors do, instead of succeeding again.
	RejectRecapture bool
}

type mockPayment struct {
	auth   Authorization
	status string
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Authorize implements Provider.
func (m *Mock) Authorize(_ context.Context, req AuthorizeRequest) (Authorization, error) {
	if err := validateAuthorize(req); err != nil {
		m.record("authorize", err)
		return Authorization{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAuthorize != nil {
		err := fmt.Errorf("%w: %v", ErrUnavailable, m.FailAuthorize)
		m.record("authorize", err)
		return Authorization{}, err
	}
	if strings.EqualFold(req.Token, MockTokenDeclined) {
		err := &DeclineError{Code: "GENERIC_DECLINE", Detail: "card declined"}
		m.record("authorize", err)
		return Authorization{}, err
	}
	m.init()
	if id, ok := m.byKey[req.IdempotencyKey]; ok {
		p := m.payments[id]
		auth := p.auth
		auth.Status = p.status
		return auth, nil
	}
	auth := Authorization{Provider: m.Name(), PaymentID: "mock_" + uuid.NewString(), Status: StatusApproved, Amount: req.Amount}
	m.payments[auth.PaymentID] = &mockPayment{auth: auth, status: StatusApproved}
	m.byKey[req.IdempotencyKey] = auth.PaymentID
	m.record("authorize", nil)
	return auth, nil
}

// Capture implements Provider.
func (m *Mock) Capture(_ context.Context, paymentID string) error {
	err := m.transition(paymentID, StatusCompleted, m.FailCapture, !m.RejectRecapture)
	m.record("capture", err)
	return err
}

// Void implements Provider.
func (m *Mock) Void(_ context.Context, paymentID string) error {
	err := m.transition(paymentID, StatusCanceled, m.FailVoid, true)
	m.record("void", err)
	return err
}

// Status returns the status of a payment ("APPROVED", "COMPLETED", "CANCELED").
func (m *Mock) Status(paymentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[paymentID]; ok {
		return p.status
	}
	return ""
}

// Count returns the number of distinct authorizations.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *Mock) transition(paymentID, status string, injected error, repeatable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if injected != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, injected)
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: unknown payment %q", ErrDeclined, paymentID)
	}
	if p.status != StatusApproved && (p.status != status || !repeatable) {
		return errors.New("payment: " + paymentID + " is already " + p.status)
	}
	p.status = status
	return nil
}

func (m *Mock) init() {
	if m.payments == nil {
		m.payments = make(map[string]*mockPayment)
		m.byKey = make(map[string]string)
	}
}

func (m *Mock) record(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrDeclined):
		result = "declined"
	case err != nil:
		result = "error"
	}
	obs.PaymentOperationsTotal.WithLabelValues(m.Name(), op, result).Inc()
}
