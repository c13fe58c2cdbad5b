package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/logmerge/internal/telemetry"
)

type poolStat struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolStats = []poolStat{
	{"logmerge.db.pool.connections.total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"logmerge.db.pool.connections.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"logmerge.db.pool.connections.acquired", "Connections currently acquired by sources and sinks", (*pgxpool.Stat).AcquiredConns},
	{"logmerge.db.pool.connections.constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
}

// ObservePoolMetrics registers observable gauges reporting pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", normalized),
	)

	meter := otel.Meter("logmerge/postgres")
	for _, stat := range poolStats {
		read := stat.read
		if _, err := meter.Int64ObservableGauge(stat.name,
			metric.WithDescription(stat.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
