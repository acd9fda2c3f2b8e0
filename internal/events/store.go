package events

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used by PGStore.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore writes events to the domain_events table.
type PGStore struct {
	DB Execer
}

const insertEventSQL = `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)`

// Insert implements Store.
func (s PGStore) Insert(ctx context.Context, ev Event) error {
	if s.DB == nil {
		return errors.New("events: database not configured")
	}
	_, err := s.DB.Exec(ctx, insertEventSQL, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	return err
}

// MemoryStore keeps events in memory, for tests and database-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the stored events in insertion order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
