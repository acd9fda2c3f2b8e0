package checkout

import (
	"context"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/cart"
)

const defaultFlowTTL = 30 * time.Minute

// Service keeps one checkout flow per guest session. Idle flows expire after
// TTL; a flow that is submitting is touched on every access and never expires
// mid-request.
type Service struct {
	CartFor   func(sessionID string) Cart
	Submitter Submitter
	Fees      cart.FeeSchedule
	Validate  *validator.Validate
	TTL       time.Duration
	Logger    zerolog.Logger

	flows *ttlcache.Cache[string, *Sequencer]
}

// NewService builds the registry. Call Start to begin expiring flows.
func NewService(svc Service) *Service {
	if svc.TTL <= 0 {
		svc.TTL = defaultFlowTTL
	}
	s := &svc
	s.flows = ttlcache.New[string, *Sequencer](
		ttlcache.WithTTL[string, *Sequencer](svc.TTL),
	)
	s.flows.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Sequencer]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.Logger.Debug().Str("session_id", item.Key()).Str("state", string(item.Value().State())).Msg("checkout flow expired")
		}
	})
	return s
}

// Start runs the expiry loop until Stop is called.
func (s *Service) Start() {
	go s.flows.Start()
}

// Stop halts the expiry loop.
func (s *Service) Stop() {
	s.flows.Stop()
}

// For returns the session's flow, creating an Idle one on first use.
func (s *Service) For(sessionID string) *Sequencer {
	if item := s.flows.Get(sessionID); item != nil {
		return item.Value()
	}
	seq := NewSequencer(Config{
		Cart:      s.CartFor(sessionID),
		Submitter: s.Submitter,
		Fees:      s.Fees,
		Validate:  s.Validate,
		Logger:    s.Logger.With().Str("session_id", sessionID).Logger(),
	})
	item, _ := s.flows.GetOrSet(sessionID, seq)
	return item.Value()
}

// Drop forgets the session's flow.
func (s *Service) Drop(sessionID string) {
	s.flows.Delete(sessionID)
}

// Len reports how many flows are tracked.
func (s *Service) Len() int {
	return s.flows.Len()
}
