package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// PostgresBroker is a broker backed by a PostgreSQL table. It expects a
// *sql.DB opened with the pgx stdlib driver.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id             BIGSERIAL PRIMARY KEY,
//	    tube           TEXT NOT NULL,
//	    payload        BYTEA,
//	    state          TEXT NOT NULL,
//	    ready_at       TIMESTAMPTZ NOT NULL,
//	    reserved_until TIMESTAMPTZ,
//	    reserves       INTEGER NOT NULL DEFAULT 0
//	);
//
// Lease times use the database clock, so reservers on different hosts agree
// on expiry.
type PostgresBroker struct {
	db    *sql.DB
	opts  options
	watch *watchList
}

// Ensure PostgresBroker implements api.Broker.
var _ api.Broker = (*PostgresBroker)(nil)

// NewPostgresBroker creates the required schema if needed and returns a broker.
func NewPostgresBroker(db *sql.DB, opts ...Option) (*PostgresBroker, error) {
	b := &PostgresBroker{
		db:    db,
		opts:  buildOptions(100*time.Millisecond, opts),
		watch: newWatchList(),
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBroker) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id             BIGSERIAL PRIMARY KEY,
			tube           TEXT NOT NULL,
			payload        BYTEA,
			state          TEXT NOT NULL,
			ready_at       TIMESTAMPTZ NOT NULL,
			reserved_until TIMESTAMPTZ,
			reserves       INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`CREATE INDEX IF NOT EXISTS jobs_tube_state ON jobs (tube, state, ready_at)`)
	return err
}

func (b *PostgresBroker) Put(ctx context.Context, tube string, payload []byte, delay time.Duration) (string, error) {
	var id int64
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO jobs (tube, payload, state, ready_at)
		VALUES ($1, $2, 'ready', now() + make_interval(secs => $3))
		RETURNING id`,
		tube, payload, delay.Seconds(),
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (b *PostgresBroker) Watch(_ context.Context, tube string) error {
	b.watch.watch(tube)
	return nil
}

func (b *PostgresBroker) Ignore(_ context.Context, tube string) error {
	b.watch.ignore(tube)
	return nil
}

func (b *PostgresBroker) Reserve(ctx context.Context, timeout time.Duration) (*api.Job, error) {
	return poll(ctx, timeout, b.opts.pollInterval, b.tryReserve)
}

// tryReserve locks the oldest eligible row, skipping rows other reservers
// hold, and claims it in the same transaction.
func (b *PostgresBroker) tryReserve(ctx context.Context) (*api.Job, error) {
	tubes := b.watch.list()
	if len(tubes) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       int64
		tube     string
		payload  []byte
		reserves int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, tube, payload, reserves
		FROM jobs
		WHERE tube = ANY($1)
		  AND ((state = 'ready' AND ready_at <= now())
		    OR (state = 'reserved' AND reserved_until <= now()))
		ORDER BY ready_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, tubes,
	).Scan(&id, &tube, &payload, &reserves)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'reserved',
		    reserved_until = now() + make_interval(secs => $2),
		    reserves = reserves + 1
		WHERE id = $1`,
		id, b.opts.ttr.Seconds(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &api.Job{
		ID:       strconv.FormatInt(id, 10),
		Tube:     tube,
		Payload:  payload,
		Attempts: reserves,
	}, nil
}

func (b *PostgresBroker) Touch(ctx context.Context, id string) error {
	return b.exec(ctx, id, `
		UPDATE jobs SET reserved_until = now() + make_interval(secs => $2)
		WHERE id = $1 AND state = 'reserved' AND reserved_until > now()`,
		b.opts.ttr.Seconds(),
	)
}

func (b *PostgresBroker) Delete(ctx context.Context, id string) error {
	return b.exec(ctx, id, `DELETE FROM jobs WHERE id = $1`)
}

func (b *PostgresBroker) Release(ctx context.Context, id string, delay time.Duration) error {
	return b.exec(ctx, id, `
		UPDATE jobs
		SET state = 'ready', ready_at = now() + make_interval(secs => $2), reserved_until = NULL
		WHERE id = $1 AND state = 'reserved'`,
		delay.Seconds(),
	)
}

func (b *PostgresBroker) Bury(ctx context.Context, id string) error {
	return b.exec(ctx, id, `
		UPDATE jobs SET state = 'buried', reserved_until = NULL
		WHERE id = $1 AND state = 'reserved'`,
	)
}

// exec runs a single-row statement whose $1 is the job id and maps "no row
// affected" to ErrJobNotFound.
func (b *PostgresBroker) exec(ctx context.Context, id, query string, args ...any) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}

	res, err := b.db.ExecContext(ctx, query, append([]any{n}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	return nil
}

func (b *PostgresBroker) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state <> 'buried'`).Scan(&n)
	return n, err
}

// Close does not close the underlying *sql.DB, which belongs to the caller.
func (b *PostgresBroker) Close() error { return nil }
