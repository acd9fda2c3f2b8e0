package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

var (
	// ErrNotFound is returned when no order matches.
	ErrNotFound = errors.New("order: not found")
	// ErrDuplicate is returned by Create when the idempotency key is taken.
	ErrDuplicate = errors.New("order: idempotency key already recorded")
)

// Store persists orders. Create must reject a second order with the same
// idempotency key with ErrDuplicate.
type Store interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	ByIdempotencyKey(ctx context.Context, key string) (Order, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	byKey  map[string]string

	// FailCreate and FailUpdate inject storage outages.
	FailCreate error
	FailUpdate func(o Order) error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: map[string]Order{}, byKey: map[string]string{}}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, ok := m.byKey[o.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = cloneOrder(o)
	m.byKey[o.IdempotencyKey] = o.ID
	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		if err := m.FailUpdate(o); err != nil {
			return err
		}
	}
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

// ByIdempotencyKey implements Store.
func (m *MemoryStore) ByIdempotencyKey(_ context.Context, key string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	if o.Delivery != nil {
		d := *o.Delivery
		o.Delivery = &d
	}
	return o
}

// DB is the subset of pgxpool.Pool used by PGStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps orders in the orders table.
type PGStore struct {
	DB DB
}

const (
	insertOrderSQL = `INSERT INTO orders (
    id, idempotency_key, request_hash, session_id, status, order_type, attempts,
    items, customer, delivery, subtotal_cents, tax_cents, delivery_fee_cents, total_cents,
    currency, payment_provider, payment_id, estimated_ready_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	updateOrderSQL = `UPDATE orders SET
    status = $2, attempts = $3, payment_provider = $4, payment_id = $5,
    estimated_ready_at = $6, updated_at = $7
WHERE id = $1`

	selectOrderSQL = `SELECT
    id, idempotency_key, request_hash, session_id, status, order_type, attempts,
    items, customer, delivery, subtotal_cents, tax_cents, delivery_fee_cents, total_cents,
    currency, payment_provider, payment_id, estimated_ready_at, created_at, updated_at
FROM orders`
)

// Create implements Store.
func (s PGStore) Create(ctx context.Context, o Order) error {
	if s.DB == nil {
		return errors.New("order: database not configured")
	}
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return fmt.Errorf("order: invalid id: %w", err)
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("order: encode items: %w", err)
	}
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("order: encode customer: %w", err)
	}
	var delivery []byte
	if o.Delivery != nil {
		if delivery, err = json.Marshal(o.Delivery); err != nil {
			return fmt.Errorf("order: encode delivery: %w", err)
		}
	}
	_, err = s.DB.Exec(ctx, insertOrderSQL,
		id, o.IdempotencyKey, o.RequestHash, o.SessionID, string(o.Status), string(o.OrderType), o.Attempts,
		items, customer, delivery, int64(o.Subtotal), int64(o.Tax), int64(o.DeliveryFee), int64(o.Total),
		o.Currency, o.PaymentProvider, o.PaymentID, timestamptz(o.EstimatedReadyAt), o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// Update implements Store.
func (s PGStore) Update(ctx context.Context, o Order) error {
	if s.DB == nil {
		return errors.New("order: database not configured")
	}
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.DB.Exec(ctx, updateOrderSQL, id, string(o.Status), o.Attempts, o.PaymentProvider, o.PaymentID, timestamptz(o.EstimatedReadyAt), o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id string) (Order, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Order{}, ErrNotFound
	}
	return s.one(ctx, selectOrderSQL+` WHERE id = $1`, parsed)
}

// ByIdempotencyKey implements Store.
func (s PGStore) ByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return s.one(ctx, selectOrderSQL+` WHERE idempotency_key = $1`, key)
}

func (s PGStore) one(ctx context.Context, query string, arg any) (Order, error) {
	if s.DB == nil {
		return Order{}, errors.New("order: database not configured")
	}
	var (
		o                                 Order
		id                                uuid.UUID
		status, orderType                 string
		items, customer, delivery         []byte
		subtotal, tax, deliveryFee, total int64
		readyAt                           pgtype.Timestamptz
	)
	err := s.DB.QueryRow(ctx, query, arg).Scan(
		&id, &o.IdempotencyKey, &o.RequestHash, &o.SessionID, &status, &orderType, &o.Attempts,
		&items, &customer, &delivery, &subtotal, &tax, &deliveryFee, &total,
		&o.Currency, &o.PaymentProvider, &o.PaymentID, &readyAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.ID = id.String()
	o.Status = Status(status)
	o.OrderType = OrderType(orderType)
	o.Subtotal, o.Tax = pricing.Money(subtotal), pricing.Money(tax)
	o.DeliveryFee, o.Total = pricing.Money(deliveryFee), pricing.Money(total)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("order: decode items: %w", err)
	}
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return Order{}, fmt.Errorf("order: decode customer: %w", err)
	}
	if len(delivery) > 0 {
		o.Delivery = &DeliveryInfo{}
		if err := json.Unmarshal(delivery, o.Delivery); err != nil {
			return Order{}, fmt.Errorf("order: decode delivery: %w", err)
		}
	}
	if readyAt.Valid {
		t := readyAt.Time
		o.EstimatedReadyAt = &t
	}
	return o, nil
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
