// Package persistence provides the read-only pgx-backed adapters for the
// core's three read ports (domain.HistoricalAccuracy, domain.TaskSource,
// domain.ProjectSource). Spec §6 is explicit that "the core consumes only
// read operations" against the tasks/projects/sessions store; the write side
// (task intake, project administration) belongs to an external collaborator
// and has no home here.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trafficcontrol/trafficcontrol/internal/connguard"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Pool is a minimal subset of pgxpool used by this package, for easy testing.
type Pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool creates a pgx connection pool from the provided DSN, configured
// with OpenTelemetry tracing for distributed tracing visibility.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=persistence.NewPool: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	cfg.ConnConfig.Tracer = otelpgx.NewTracer(
		otelpgx.WithTrimSQLInSpanName(),
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=persistence.NewPool: %w", err)
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}

	return pool, nil
}

// Store reads the task/project/session backlog. It implements
// domain.HistoricalAccuracy, domain.TaskSource, and domain.ProjectSource.
type Store struct {
	Pool  Pool
	guard *connguard.ObservableClient
}

// NewStore constructs a Store with the given pool.
func NewStore(p Pool) *Store { return &Store{Pool: p} }

// WithGuard attaches a connection-health wrapper around every read. Dispatch
// loop ticks hit Project() every cycle, so a flapping database shows up in
// the guard's health stats well before the dispatch loop itself degrades.
func (s *Store) WithGuard(g *connguard.ObservableClient) *Store {
	s.guard = g
	return s
}

var _ domain.HistoricalAccuracy = (*Store)(nil)
var _ domain.TaskSource = (*Store)(nil)
var _ domain.ProjectSource = (*Store)(nil)

// EstimateActualRatios implements domain.HistoricalAccuracy. It looks up the
// actual/estimated session ratio, per model, for completed tasks matching
// projectID (nil for all projects) and complexity, most recent first.
func (s *Store) EstimateActualRatios(ctx context.Context, projectID *string, complexity domain.Complexity) ([]float64, error) {
	tracer := otel.Tracer("persistence.store")
	ctx, span := tracer.Start(ctx, "store.EstimateActualRatios")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "task_model_estimates"),
	)

	q := `SELECT actual_sessions::float8 / NULLIF(estimated_sessions, 0)
	      FROM task_model_estimates e
	      JOIN tasks t ON t.id = e.task_id
	      WHERE t.status = 'complete' AND e.estimated_sessions > 0
	        AND ($1::text IS NULL OR t.project_id = $1)
	        AND ($2::text = '' OR t.complexity = $2)
	      ORDER BY t.created_at DESC`
	var pid *string
	if projectID != nil {
		pid = projectID
	}
	rows, err := s.Pool.Query(ctx, q, pid, string(complexity))
	if err != nil {
		return nil, fmt.Errorf("op=store.estimate_actual_ratios: %w", err)
	}
	defer rows.Close()

	var ratios []float64
	for rows.Next() {
		var r *float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("op=store.estimate_actual_ratios_scan: %w", err)
		}
		if r != nil {
			ratios = append(ratios, *r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=store.estimate_actual_ratios_rows: %w", err)
	}
	return ratios, nil
}

// QueuedTasks implements domain.TaskSource: up to limit queued tasks, oldest
// first (the dispatch loop's own tie-break re-sorts by priority score; this
// ordering only matters as the scorer's stable input order).
func (s *Store) QueuedTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("persistence.store")
	ctx, span := tracer.Start(ctx, "store.QueuedTasks")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)

	q := `SELECT id, project_id, title, description, status, priority, complexity, created_at
	      FROM tasks WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1`
	rows, err := s.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=store.queued_tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	var taskIDs []string
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Complexity, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=store.queued_tasks_scan: %w", err)
		}
		tasks = append(tasks, t)
		taskIDs = append(taskIDs, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=store.queued_tasks_rows: %w", err)
	}

	if len(taskIDs) == 0 {
		return tasks, nil
	}
	estimates, err := s.estimatesFor(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].EstimatedPerModel = estimates[tasks[i].ID]
	}
	return tasks, nil
}

func (s *Store) estimatesFor(ctx context.Context, taskIDs []string) (map[string]map[domain.Model]int, error) {
	q := `SELECT task_id, model, estimated_sessions FROM task_model_estimates WHERE task_id = ANY($1)`
	rows, err := s.Pool.Query(ctx, q, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("op=store.estimates_for: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[domain.Model]int, len(taskIDs))
	for rows.Next() {
		var taskID string
		var model domain.Model
		var n int
		if err := rows.Scan(&taskID, &model, &n); err != nil {
			return nil, fmt.Errorf("op=store.estimates_for_scan: %w", err)
		}
		if out[taskID] == nil {
			out[taskID] = make(map[domain.Model]int, 3)
		}
		out[taskID][model] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=store.estimates_for_rows: %w", err)
	}
	return out, nil
}

// Project implements domain.ProjectSource.
func (s *Store) Project(ctx context.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("persistence.store")
	ctx, span := tracer.Start(ctx, "store.Project")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "projects"),
	)

	q := `SELECT id, name, status, priority FROM projects WHERE id = $1`
	var p domain.Project
	scan := func(gctx context.Context) error {
		row := s.Pool.QueryRow(gctx, q, id)
		return row.Scan(&p.ID, &p.Name, &p.Status, &p.Priority)
	}

	var err error
	if s.guard != nil {
		err = s.guard.ExecuteWithMetrics(ctx, "project", scan)
	} else {
		err = scan(ctx)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Project{}, fmt.Errorf("op=store.project id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=store.project id=%s: %w", id, err)
	}
	return p, nil
}

