package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/lock"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

var (
	// ErrOutOfStock is returned when the catalog marks the requested item sold out.
	ErrOutOfStock = errors.New("cart: item out of stock")
	// ErrCatalogUnavailable is returned when the menu cannot be read.
	ErrCatalogUnavailable = errors.New("cart: catalog unavailable")
)

// Locker serialises work per key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// FeeSchedule maps an order type to its delivery fee.
type FeeSchedule struct {
	Pickup   pricing.Money
	Delivery pricing.Money
}

// For returns the fee for orderType ("pickup" or "delivery").
func (f FeeSchedule) For(orderType string) (pricing.Money, error) {
	switch strings.ToLower(strings.TrimSpace(orderType)) {
	case "pickup":
		return f.Pickup, nil
	case "delivery":
		return f.Delivery, nil
	default:
		return 0, fmt.Errorf("%w: unknown order type %q", ErrInvalidInput, orderType)
	}
}

const defaultMemoryTTL = 2 * time.Hour

// Service owns the durable cart of every guest session. Mutations for a
// session run under Locker so they are applied one at a time, in order.
//
// A session whose snapshot cannot be read or written keeps its cart in
// process memory from then on, until it has been idle for MemoryTTL.
type Service struct {
	Store           Store
	Locker          Locker
	LockTTL         time.Duration
	Catalog         catalog.Provider
	TaxBps          int
	MaxInstructions int
	Fees            FeeSchedule
	MemoryTTL       time.Duration
	Logger          zerolog.Logger

	local      lock.Local
	memoryOnce sync.Once
	memory     *ttlcache.Cache[string, *Cart]
}

// AddRequest is a catalog-resolved add: prices and names come from the menu,
// never from the client.
type AddRequest struct {
	ItemID              string   `json:"itemId" validate:"required"`
	ModifierIDs         []string `json:"modifierIds"`
	Quantity            int      `json:"quantity" validate:"gte=0,lte=99"`
	SpecialInstructions string   `json:"specialInstructions"`
}

func (s *Service) config(sessionID string) Config {
	return Config{
		Key:             sessionID,
		Store:           s.Store,
		TaxBps:          s.TaxBps,
		MaxInstructions: s.MaxInstructions,
		Logger:          s.Logger.With().Str("session_id", sessionID).Logger(),
	}
}

func (s *Service) locker() Locker {
	if s.Locker != nil {
		return s.Locker
	}
	return &s.local
}

func (s *Service) memoryCarts() *ttlcache.Cache[string, *Cart] {
	s.memoryOnce.Do(func() {
		ttl := s.MemoryTTL
		if ttl <= 0 {
			ttl = defaultMemoryTTL
		}
		s.memory = ttlcache.New[string, *Cart](ttlcache.WithTTL[string, *Cart](ttl))
	})
	return s.memory
}

// keepInMemory holds on to a cart that lost its store so later requests of
// the session see its changes.
func (s *Service) keepInMemory(sessionID string, c *Cart) {
	carts := s.memoryCarts()
	if carts.Has(sessionID) {
		carts.Touch(sessionID)
		return
	}
	carts.DeleteExpired()
	carts.Set(sessionID, c, ttlcache.DefaultTTL)
	s.Logger.Warn().Str("session_id", sessionID).Int("memory_carts", carts.Len()).Msg("cart kept in memory")
}

// Open loads the session cart, preferring one already held in memory.
func (s *Service) Open(ctx context.Context, sessionID string) (*Cart, error) {
	if s == nil || s.Store == nil {
		return nil, errors.New("cart service not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if item := s.memoryCarts().Get(sessionID); item != nil {
		return item.Value(), nil
	}
	return Open(ctx, s.config(sessionID)), nil
}

// State returns the current session cart.
func (s *Service) State(ctx context.Context, sessionID string) (State, error) {
	c, err := s.Open(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	return c.State(), nil
}

// Mutate loads the session cart under the session lock and applies fn to it.
// The returned state reflects fn's changes even when fn reports an error.
func (s *Service) Mutate(ctx context.Context, sessionID string, fn func(context.Context, *Cart) error) (State, error) {
	if s == nil || s.Store == nil {
		return State{}, errors.New("cart service not configured")
	}
	var st State
	err := s.locker().WithLock(ctx, "cart:"+sessionID, s.LockTTL, func(ctx context.Context) error {
		c, err := s.Open(ctx, sessionID)
		if err != nil {
			return err
		}
		fnErr := fn(ctx, c)
		st = c.State()
		if !c.Persistent() {
			s.keepInMemory(sessionID, c)
		}
		return fnErr
	})
	return st, err
}

// AddCatalogItem resolves the item and modifiers from the catalog and adds them.
func (s *Service) AddCatalogItem(ctx context.Context, sessionID string, req AddRequest) (State, error) {
	if s == nil || s.Catalog == nil {
		return State{}, errors.New("cart catalog not configured")
	}
	itemID := strings.TrimSpace(req.ItemID)
	menuItem, err := s.Catalog.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return State{}, fmt.Errorf("%w: unknown menu item %q", ErrInvalidInput, itemID)
		}
		return State{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if !menuItem.InStock {
		return State{}, fmt.Errorf("%w: %s", ErrOutOfStock, menuItem.Name)
	}
	mods := make([]Modifier, 0, len(req.ModifierIDs))
	for _, id := range req.ModifierIDs {
		m, ok := menuItem.Modifier(strings.TrimSpace(id))
		if !ok {
			return State{}, fmt.Errorf("%w: modifier %q is not offered for %q", ErrInvalidInput, id, itemID)
		}
		mods = append(mods, Modifier{ID: m.ID, Name: m.Name, Price: m.Price})
	}
	return s.Mutate(ctx, sessionID, func(ctx context.Context, c *Cart) error {
		_, err := c.AddItem(ctx, Item{
			CatalogItemID:       menuItem.ID,
			Name:                menuItem.Name,
			UnitPrice:           menuItem.Price,
			Modifiers:           mods,
			SpecialInstructions: req.SpecialInstructions,
			Quantity:            req.Quantity,
		})
		return err
	})
}

// UpdateQuantity sets the quantity of an existing line; zero removes it.
func (s *Service) UpdateQuantity(ctx context.Context, sessionID, lineKey string, quantity int) (State, error) {
	return s.Mutate(ctx, sessionID, func(ctx context.Context, c *Cart) error {
		if _, ok := c.State().Line(lineKey); !ok {
			return ErrNotFound
		}
		c.UpdateQuantity(ctx, KeyRef(lineKey), quantity)
		return nil
	})
}

// Remove deletes a line; removing an absent line succeeds.
func (s *Service) Remove(ctx context.Context, sessionID, lineKey string) (State, error) {
	return s.Mutate(ctx, sessionID, func(ctx context.Context, c *Cart) error {
		c.RemoveItem(ctx, KeyRef(lineKey))
		return nil
	})
}

// Clear empties the session cart, keeping its delivery fee.
func (s *Service) Clear(ctx context.Context, sessionID string) (State, error) {
	return s.Mutate(ctx, sessionID, func(ctx context.Context, c *Cart) error {
		c.Clear(ctx)
		return nil
	})
}

// SetOrderType applies the delivery fee of the chosen order type.
func (s *Service) SetOrderType(ctx context.Context, sessionID, orderType string) (State, error) {
	fee, err := s.Fees.For(orderType)
	if err != nil {
		return State{}, err
	}
	return s.SetDeliveryFee(ctx, sessionID, fee)
}

// SetDeliveryFee stores fee on the session cart.
func (s *Service) SetDeliveryFee(ctx context.Context, sessionID string, fee pricing.Money) (State, error) {
	return s.Mutate(ctx, sessionID, func(ctx context.Context, c *Cart) error {
		c.SetDeliveryFee(ctx, fee)
		return nil
	})
}

// Bound exposes one session cart to the checkout sequencer.
func (s *Service) Bound(sessionID string) SessionCart {
	return SessionCart{svc: s, sessionID: sessionID}
}

// SessionCart is a session cart owned by Service.
type SessionCart struct {
	svc       *Service
	sessionID string
}

// Snapshot returns the current state.
func (c SessionCart) Snapshot(ctx context.Context) (State, error) {
	return c.svc.State(ctx, c.sessionID)
}

// Clear empties the cart.
func (c SessionCart) Clear(ctx context.Context) error {
	_, err := c.svc.Clear(ctx, c.sessionID)
	return err
}

// SetDeliveryFee replaces the delivery fee.
func (c SessionCart) SetDeliveryFee(ctx context.Context, fee pricing.Money) error {
	_, err := c.svc.SetDeliveryFee(ctx, c.sessionID, fee)
	return err
}

// Local adapts an in-process Cart to the same contract as SessionCart.
type Local struct {
	Cart *Cart
}

// Snapshot returns the current state.
func (l Local) Snapshot(context.Context) (State, error) {
	return l.Cart.State(), nil
}

// Clear empties the cart.
func (l Local) Clear(ctx context.Context) error {
	l.Cart.Clear(ctx)
	return nil
}

// SetDeliveryFee replaces the delivery fee.
func (l Local) SetDeliveryFee(ctx context.Context, fee pricing.Money) error {
	l.Cart.SetDeliveryFee(ctx, fee)
	return nil
}
