package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

// DefaultMaxInstructions bounds special instructions, counted in runes.
const DefaultMaxInstructions = 200

var (
	// ErrInvalidInput is returned when an item cannot be added to the cart.
	ErrInvalidInput = errors.New("cart: invalid input")
	// ErrNotFound is returned when a referenced line does not exist.
	ErrNotFound = errors.New("cart: line not found")
)

// Modifier is a selected add-on priced per unit.
type Modifier struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Price pricing.Money `json:"price"`
}

// Line is one entry of the cart. LineKey is unique within a cart.
type Line struct {
	CatalogItemID       string        `json:"catalogItemId"`
	LineKey             string        `json:"lineKey"`
	Name                string        `json:"name"`
	UnitPrice           pricing.Money `json:"price"`
	Quantity            int           `json:"quantity"`
	Modifiers           []Modifier    `json:"modifiers,omitempty"`
	SpecialInstructions string        `json:"specialInstructions,omitempty"`
}

// UnitTotal is the base price plus every modifier price.
func (l Line) UnitTotal() pricing.Money {
	return l.pricingItem().UnitTotal()
}

// LineTotal is UnitTotal multiplied by the quantity.
func (l Line) LineTotal() pricing.Money {
	return pricing.Money(l.Quantity) * l.UnitTotal()
}

func (l Line) pricingItem() pricing.Item {
	mods := make([]pricing.Money, len(l.Modifiers))
	for i, m := range l.Modifiers {
		mods[i] = m.Price
	}
	return pricing.Item{Qty: l.Quantity, UnitPrice: l.UnitPrice, Modifiers: mods}
}

func (l Line) clone() Line {
	if l.Modifiers != nil {
		l.Modifiers = append([]Modifier(nil), l.Modifiers...)
	}
	return l
}

// Item describes a product being added to the cart.
type Item struct {
	CatalogItemID       string
	Name                string
	UnitPrice           pricing.Money
	Modifiers           []Modifier
	SpecialInstructions string
	// Quantity defaults to 1.
	Quantity int
}

// State is an immutable view of the cart with derived totals.
type State struct {
	Lines       []Line        `json:"items"`
	IsOpen      bool          `json:"isOpen"`
	ItemCount   int           `json:"itemCount"`
	Subtotal    pricing.Money `json:"subtotal"`
	Tax         pricing.Money `json:"tax"`
	DeliveryFee pricing.Money `json:"deliveryFee"`
	Total       pricing.Money `json:"total"`
}

// Empty reports whether the cart has no lines.
func (s State) Empty() bool {
	return len(s.Lines) == 0
}

// Line returns the line stored under key.
func (s State) Line(key string) (Line, bool) {
	for _, l := range s.Lines {
		if l.LineKey == key {
			return l, true
		}
	}
	return Line{}, false
}

// Snapshot returns the persisted form of the state.
func (s State) Snapshot() Persisted {
	lines := make([]Line, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = l.clone()
	}
	return Persisted{Items: lines, DeliveryFee: s.DeliveryFee}
}

// PersistenceError reports a snapshot read or write failure. It is logged and
// never returned from cart operations: the cart keeps working in memory.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cart: %s snapshot %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config configures a Cart.
type Config struct {
	// Key names the snapshot in Store, typically the session id.
	Key             string
	Store           Store
	TaxBps          int
	MaxInstructions int
	Logger          zerolog.Logger
}

// Cart is the cart aggregate. Every mutation is applied atomically, recomputes
// the totals, writes a snapshot through to the store and then notifies
// subscribers in mutation order.
type Cart struct {
	mu          sync.Mutex
	lines       []Line
	deliveryFee pricing.Money
	isOpen      bool
	totals      pricing.Summary

	key             string
	store           Store
	persistDisabled bool
	taxBps          int
	maxInstructions int
	logger          zerolog.Logger

	// subs, nextSub and outbox are guarded by mu. notifyMu serialises
	// delivery and is never taken while mu is held.
	subs     map[int]func(State)
	nextSub  int
	outbox   []State
	notifyMu sync.Mutex
}

// New returns an empty cart that persists to cfg.Store without reading it.
func New(cfg Config) *Cart {
	maxInstructions := cfg.MaxInstructions
	if maxInstructions <= 0 {
		maxInstructions = DefaultMaxInstructions
	}
	taxBps := cfg.TaxBps
	if taxBps < 0 {
		taxBps = 0
	}
	c := &Cart{
		key:             cfg.Key,
		store:           cfg.Store,
		taxBps:          taxBps,
		maxInstructions: maxInstructions,
		logger:          cfg.Logger,
		subs:            make(map[int]func(State)),
	}
	c.recomputeLocked()
	return c
}

// Open rehydrates a cart from its persisted snapshot. A corrupt snapshot
// yields an empty cart; an unreadable store leaves the cart memory-only.
func Open(ctx context.Context, cfg Config) *Cart {
	c := New(cfg)
	if c.store == nil {
		return c
	}
	snap, found, err := c.store.Load(ctx, c.key)
	switch {
	case errors.Is(err, ErrCorruptSnapshot):
		c.logger.Warn().Err(err).Str("cart_key", c.key).Msg("discarding corrupt cart snapshot")
		return c
	case err != nil:
		c.disablePersistence(&PersistenceError{Op: "load", Key: c.key, Err: err}, "read")
		return c
	case !found:
		return c
	}
	c.lines = normalizeLines(snap.Items)
	if snap.DeliveryFee > 0 {
		c.deliveryFee = snap.DeliveryFee
	}
	c.recomputeLocked()
	return c
}

// normalizeLines restores the line invariants on data read from storage:
// missing keys are derived, non-positive quantities dropped and lines that
// collapse onto the same key merged.
func normalizeLines(in []Line) []Line {
	out := make([]Line, 0, len(in))
	index := make(map[string]int, len(in))
	for _, l := range in {
		l.CatalogItemID = strings.TrimSpace(l.CatalogItemID)
		if l.CatalogItemID == "" || l.Quantity <= 0 {
			continue
		}
		l.Modifiers = dedupeModifiers(l.Modifiers)
		if l.LineKey == "" {
			l.LineKey = LineKey(l.CatalogItemID, l.Modifiers)
		}
		if i, dup := index[l.LineKey]; dup {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.LineKey] = len(out)
		out = append(out, l)
	}
	return out
}

// AddItem merges the item into the line with the same key, incrementing its
// quantity, or appends a new line. Price, modifiers and instructions of an
// existing line are left untouched.
func (c *Cart) AddItem(ctx context.Context, item Item) (State, error) {
	item.CatalogItemID = strings.TrimSpace(item.CatalogItemID)
	if err := c.validate(item); err != nil {
		return c.State(), err
	}
	qty := item.Quantity
	if qty <= 0 {
		qty = 1
	}
	mods := dedupeModifiers(item.Modifiers)
	key := LineKey(item.CatalogItemID, mods)
	return c.mutate(ctx, "add", func() {
		if i := c.indexLocked(key); i >= 0 {
			c.lines[i].Quantity += qty
			return
		}
		name := item.Name
		if strings.TrimSpace(name) == "" {
			name = item.CatalogItemID
		}
		c.lines = append(c.lines, Line{
			CatalogItemID:       item.CatalogItemID,
			LineKey:             key,
			Name:                name,
			UnitPrice:           item.UnitPrice,
			Quantity:            qty,
			Modifiers:           mods,
			SpecialInstructions: strings.TrimSpace(item.SpecialInstructions),
		})
	}), nil
}

func (c *Cart) validate(item Item) error {
	if item.CatalogItemID == "" {
		return fmt.Errorf("%w: catalog item id is required", ErrInvalidInput)
	}
	if !catalog.ValidID(item.CatalogItemID) {
		return fmt.Errorf("%w: catalog item id %q contains a reserved character", ErrInvalidInput, item.CatalogItemID)
	}
	if item.UnitPrice < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	for _, m := range item.Modifiers {
		if strings.TrimSpace(m.ID) != "" && !catalog.ValidID(m.ID) {
			return fmt.Errorf("%w: modifier id %q contains a reserved character", ErrInvalidInput, m.ID)
		}
		if m.Price < 0 {
			return fmt.Errorf("%w: modifier %q price must not be negative", ErrInvalidInput, m.ID)
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(item.SpecialInstructions)) > c.maxInstructions {
		return fmt.Errorf("%w: special instructions exceed %d characters", ErrInvalidInput, c.maxInstructions)
	}
	return nil
}

// RemoveItem deletes the referenced line. An absent line is a no-op.
func (c *Cart) RemoveItem(ctx context.Context, ref LineRef) State {
	key := ref.Resolve()
	return c.mutate(ctx, "remove", func() {
		c.removeLocked(key)
	})
}

// UpdateQuantity replaces the quantity of the referenced line in place.
// A quantity of zero or less removes the line; an absent line is a no-op.
func (c *Cart) UpdateQuantity(ctx context.Context, ref LineRef, quantity int) State {
	key := ref.Resolve()
	if quantity <= 0 {
		return c.mutate(ctx, "remove", func() {
			c.removeLocked(key)
		})
	}
	return c.mutate(ctx, "update_quantity", func() {
		if i := c.indexLocked(key); i >= 0 {
			c.lines[i].Quantity = quantity
		}
	})
}

// Clear empties the cart. The delivery fee is kept, so the total equals it.
func (c *Cart) Clear(ctx context.Context) State {
	return c.mutate(ctx, "clear", func() {
		c.lines = nil
	})
}

// SetDeliveryFee replaces the delivery fee. Negative amounts are stored as zero.
func (c *Cart) SetDeliveryFee(ctx context.Context, fee pricing.Money) State {
	if fee < 0 {
		fee = 0
	}
	return c.mutate(ctx, "set_delivery_fee", func() {
		c.deliveryFee = fee
	})
}

// Toggle flips the open flag of the cart drawer. It is not persisted.
func (c *Cart) Toggle() State {
	return c.setOpen(func(open bool) bool { return !open })
}

// SetOpen sets the open flag of the cart drawer. It is not persisted.
func (c *Cart) SetOpen(open bool) State {
	return c.setOpen(func(bool) bool { return open })
}

func (c *Cart) setOpen(next func(bool) bool) State {
	c.mu.Lock()
	c.isOpen = next(c.isOpen)
	st := c.stateLocked()
	c.outbox = append(c.outbox, st)
	c.mu.Unlock()
	c.deliver()
	return st
}

// State returns the current state.
func (c *Cart) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Subscribe registers fn to receive the state after every change, in the
// order the changes were applied. Listeners may read the cart but must not
// mutate it synchronously. The returned function unsubscribes.
func (c *Cart) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Persistent reports whether snapshots are still being written.
func (c *Cart) Persistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store != nil && !c.persistDisabled
}

func (c *Cart) mutate(ctx context.Context, op string, apply func()) State {
	c.mu.Lock()
	apply()
	c.recomputeLocked()
	st := c.stateLocked()
	c.persistLocked(ctx, st)
	obs.CartMutationsTotal.WithLabelValues(op).Inc()
	c.outbox = append(c.outbox, st)
	c.mu.Unlock()
	c.deliver()
	return st
}

// deliver hands queued states to the listeners in the order they were
// queued. A state queued by a concurrent mutation is delivered by whichever
// caller holds notifyMu, so every state has reached the listeners once its
// mutation returns.
func (c *Cart) deliver() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for {
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		subs := c.subscribersLocked()
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, st := range batch {
			for _, fn := range subs {
				fn(st)
			}
		}
	}
}

func (c *Cart) persistLocked(ctx context.Context, st State) {
	if c.store == nil || c.persistDisabled {
		return
	}
	if err := c.store.Save(ctx, c.key, st.Snapshot()); err != nil {
		c.disablePersistence(&PersistenceError{Op: "save", Key: c.key, Err: err}, "write")
	}
}

func (c *Cart) disablePersistence(err *PersistenceError, direction string) {
	c.persistDisabled = true
	obs.CartPersistFailuresTotal.WithLabelValues(direction).Inc()
	c.logger.Warn().Err(err).Str("cart_key", c.key).Msg("cart persistence unavailable, continuing in memory")
}

func (c *Cart) subscribersLocked() []func(State) {
	if len(c.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(State), len(ids))
	for i, id := range ids {
		out[i] = c.subs[id]
	}
	return out
}

func (c *Cart) indexLocked(key string) int {
	for i, l := range c.lines {
		if l.LineKey == key {
			return i
		}
	}
	return -1
}

func (c *Cart) removeLocked(key string) {
	if i := c.indexLocked(key); i >= 0 {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
	}
}

func (c *Cart) recomputeLocked() {
	items := make([]pricing.Item, len(c.lines))
	for i, l := range c.lines {
		items[i] = l.pricingItem()
	}
	c.totals = pricing.Compute(items, c.taxBps, c.deliveryFee)
}

func (c *Cart) stateLocked() State {
	lines := make([]Line, len(c.lines))
	count := 0
	for i, l := range c.lines {
		lines[i] = l.clone()
		count += l.Quantity
	}
	return State{
		Lines:       lines,
		IsOpen:      c.isOpen,
		ItemCount:   count,
		Subtotal:    c.totals.Subtotal,
		Tax:         c.totals.Tax,
		DeliveryFee: c.totals.DeliveryFee,
		Total:       c.totals.Total,
	}
}
