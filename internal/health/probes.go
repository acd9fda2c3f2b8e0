package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Postgres probes the order database.
func Postgres(pool *pgxpool.Pool, timeout time.Duration) Probe {
	return Probe{Name: "db", Timeout: timeout, Check: pool.Ping}
}

// Redis probes the cart and idempotency store. It is optional: carts survive
// in memory while it is down.
func Redis(rdb *redis.Client, timeout time.Duration) Probe {
	return Probe{Name: "redis", Timeout: timeout, Optional: true, Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
}

// Kafka probes the first reachable broker of the kitchen topic. Order events
// are kept in the outbox while it is down, so the probe is optional.
func Kafka(brokers []string, timeout time.Duration) Probe {
	return Probe{Name: "kafka", Timeout: timeout, Optional: true, Check: func(ctx context.Context) error {
		var dialer kafka.Dialer
		var err error
		for _, addr := range brokers {
			var conn *kafka.Conn
			if conn, err = dialer.DialContext(ctx, "tcp", addr); err == nil {
				return conn.Close()
			}
		}
		return err
	}}
}
