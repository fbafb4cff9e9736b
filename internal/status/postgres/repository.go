package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sh00ty/mesh-control/internal/models"
)

const eventsTable = "service_health_events"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Repository persists service health evaluations so on-call tooling can
// query the transition history after the control plane restarts.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=postgres sslmode=disable pool_max_conns=15",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{db: pool}, nil
}

// UpdateServiceStatuses inserts events in order and reports how many made
// it, so the sender can requeue the tail on partial failure. The inserts
// run outside a transaction on purpose: a rollback would contradict the
// reported count and the sender would drop rows it believes are saved.
func (r *Repository) UpdateServiceStatuses(ctx context.Context, events []models.HealthEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	sql := `
	insert into service_health_events (service, healthy, transition, consecutive_failures, checked_at)
	values ($1, $2, $3, $4, $5);
	`

	batch := pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			sql,
			ev.Service.String(),
			ev.Healthy,
			ev.Transition,
			ev.ConsecutiveFailures,
			ev.CheckedAt,
		)
	}
	results := r.db.SendBatch(ctx, &batch)
	defer results.Close()

	for i := range events {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("failed to insert health event: %w", err)
		}
	}
	return len(events), nil
}

// LatestStatuses returns the most recent observation per service since the
// given time.
func (r *Repository) LatestStatuses(ctx context.Context, since time.Time) (map[models.ServiceName]models.HealthStatus, error) {
	sql, args, err := psql.
		Select("distinct on (service) service", "healthy", "consecutive_failures", "checked_at").
		From(eventsTable).
		Where(squirrel.GtOrEq{"checked_at": since}).
		OrderBy("service", "checked_at desc").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build statuses query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[models.ServiceName]models.HealthStatus)
	for rows.Next() {
		var (
			service string
			status  models.HealthStatus
		)
		if err := rows.Scan(&service, &status.Healthy, &status.ConsecutiveFailures, &status.LastCheck); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		out[models.ServiceName(service)] = status
	}
	return out, rows.Err()
}

func (r *Repository) Close() {
	r.db.Close()
}
