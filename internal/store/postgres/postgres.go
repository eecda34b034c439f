// Package postgres stores deployment records in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const columns = `app_name, item_version, deployment_status, pipeline_status, last_command,
	last_deployment_id, lock_held, lock_owner, lock_timestamp, deployment_queued_flag,
	deployment_begin_datetime, deployment_end_datetime, stage_started_datetime,
	last_updated_datetime, total_deployments_count, failed_deployments_count`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, app string) (*model.DeploymentRecord, error) {
	const query = `SELECT ` + columns + ` FROM deployment_records WHERE app_name = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, app))
	if err != nil {
		return nil, mapError(app, err)
	}
	return rec, nil
}

// Update serializes writers on the row lock and evaluates the version and
// lock condition inside the transaction.
func (s *Store) Update(ctx context.Context, app string, upd store.Update) (*model.DeploymentRecord, error) {
	var next model.DeploymentRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const selectQuery = `SELECT ` + columns + ` FROM deployment_records WHERE app_name = $1 FOR UPDATE`
		current, err := scanRecord(tx.QueryRow(ctx, selectQuery, app))
		if err != nil {
			return err
		}
		if err := upd.Check(current); err != nil {
			return err
		}
		next = upd.Apply(*current)

		const updateQuery = `UPDATE deployment_records SET
			item_version = $2, deployment_status = $3, pipeline_status = $4, last_command = $5,
			last_deployment_id = $6, lock_held = $7, lock_owner = $8, lock_timestamp = $9,
			deployment_queued_flag = $10, deployment_begin_datetime = $11, deployment_end_datetime = $12,
			stage_started_datetime = $13, last_updated_datetime = $14,
			total_deployments_count = $15, failed_deployments_count = $16
			WHERE app_name = $1 AND item_version = $17`
		tag, err := tx.Exec(ctx, updateQuery, append(values(next), upd.ExpectedVersion)...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return store.ErrConcurrencyConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, err)
		}
		return nil, mapError(app, err)
	}
	return &next, nil
}

func (s *Store) Create(ctx context.Context, rec model.DeploymentRecord) error {
	const query = `INSERT INTO deployment_records (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	if _, err := s.pool.Exec(ctx, query, values(rec)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("app %q: %w", rec.AppName, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create %q: %w: %v", rec.AppName, store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]model.DeploymentRecord, error) {
	const query = `SELECT ` + columns + ` FROM deployment_records ORDER BY app_name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []model.DeploymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*model.DeploymentRecord, error) {
	var (
		rec                                           model.DeploymentRecord
		pipelineStatus                                string
		lockTS, begin, end, stageStarted, lastUpdated *time.Time
	)
	err := row.Scan(
		&rec.AppName, &rec.ItemVersion, &rec.DeploymentStatus, &pipelineStatus, &rec.LastCommand,
		&rec.LastDeploymentID, &rec.LockHeld, &rec.LockOwner, &lockTS, &rec.DeploymentQueuedFlag,
		&begin, &end, &stageStarted, &lastUpdated,
		&rec.TotalDeploymentsCount, &rec.FailedDeploymentsCount,
	)
	if err != nil {
		return nil, err
	}
	rec.PipelineStatus = model.PipelineStatus(pipelineStatus)
	rec.LockTimestamp = deref(lockTS)
	rec.DeploymentBeginDatetime = deref(begin)
	rec.DeploymentEndDatetime = deref(end)
	rec.StageStartedDatetime = deref(stageStarted)
	rec.LastUpdatedDatetime = deref(lastUpdated)
	return &rec, nil
}

func values(rec model.DeploymentRecord) []any {
	return []any{
		rec.AppName, rec.ItemVersion, rec.DeploymentStatus, string(rec.PipelineStatus), rec.LastCommand,
		rec.LastDeploymentID, rec.LockHeld, rec.LockOwner, nullable(rec.LockTimestamp), rec.DeploymentQueuedFlag,
		nullable(rec.DeploymentBeginDatetime), nullable(rec.DeploymentEndDatetime),
		nullable(rec.StageStartedDatetime), nullable(rec.LastUpdatedDatetime),
		rec.TotalDeploymentsCount, rec.FailedDeploymentsCount,
	}
}

func mapError(app string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("app %q: %w", app, store.ErrNotFound)
	case errors.Is(err, store.ErrConcurrencyConflict):
		return fmt.Errorf("app %q: %w", app, err)
	default:
		return fmt.Errorf("app %q: %w: %v", app, store.ErrUnavailable, err)
	}
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
