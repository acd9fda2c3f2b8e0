package obs

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type queryStartKey struct{}

// PGXTracer implements pgx.QueryTracer so order and event store queries show
// up as child spans of the submitting request. Queries slower than
// SlowQuery are logged when a threshold is set.
type PGXTracer struct {
	Logger    zerolog.Logger
	SlowQuery time.Duration
}

// TraceQueryStart starts a span named after the SQL verb.
func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	sql := strings.TrimSpace(data.SQL)
	op := "query"
	if fields := strings.Fields(sql); len(fields) > 0 {
		op = strings.ToUpper(fields[0])
	}
	ctx, _ = otel.Tracer("db.pgx").Start(ctx, "pgx "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.String("db.statement", truncateSQL(sql, 300)),
		),
	)
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

// TraceQueryEnd ends the span and records any error.
func (t PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()

	if t.SlowQuery <= 0 {
		return
	}
	if started, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		if took := time.Since(started); took >= t.SlowQuery {
			t.Logger.Warn().Dur("duration_ms", took).Str("command", data.CommandTag.String()).Msg("slow query")
		}
	}
}

func truncateSQL(sql string, max int) string {
	if len(sql) > max {
		return sql[:max] + "..."
	}
	return sql
}
