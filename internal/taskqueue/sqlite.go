package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/jobpool/pkg/api"
)

// SQLiteBroker is a persistent broker backed by SQLite.
//
// Times are stored as unix nanoseconds. A reservation is claimed with a
// conditional UPDATE so concurrent reservers never both win the same row.
type SQLiteBroker struct {
	db    *sql.DB
	opts  options
	watch *watchList
}

// Ensure SQLiteBroker implements api.Broker.
var _ api.Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker initializes the jobs table in db and returns a broker.
func NewSQLiteBroker(db *sql.DB, opts ...Option) (*SQLiteBroker, error) {
	b := &SQLiteBroker{
		db:    db,
		opts:  buildOptions(defaultPollInterval, opts),
		watch: newWatchList(),
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBroker) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tube TEXT NOT NULL,
			payload BLOB,
			state TEXT NOT NULL,
			ready_at INTEGER NOT NULL,
			reserved_until INTEGER NOT NULL DEFAULT 0,
			reserves INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS jobs_tube_state ON jobs (tube, state, ready_at);
	`)
	return err
}

func (b *SQLiteBroker) Put(ctx context.Context, tube string, payload []byte, delay time.Duration) (string, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO jobs (tube, payload, state, ready_at)
		VALUES (?, ?, ?, ?)`,
		tube, payload, stateReady, time.Now().Add(delay).UnixNano(),
	)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (b *SQLiteBroker) Watch(_ context.Context, tube string) error {
	b.watch.watch(tube)
	return nil
}

func (b *SQLiteBroker) Ignore(_ context.Context, tube string) error {
	b.watch.ignore(tube)
	return nil
}

func (b *SQLiteBroker) Reserve(ctx context.Context, timeout time.Duration) (*api.Job, error) {
	return poll(ctx, timeout, b.opts.pollInterval, b.tryReserve)
}

const sqliteEligible = `((state = 'ready' AND ready_at <= ?) OR (state = 'reserved' AND reserved_until <= ?))`

func (b *SQLiteBroker) tryReserve(ctx context.Context) (*api.Job, error) {
	tubes := b.watch.list()
	if len(tubes) == 0 {
		return nil, nil
	}

	for {
		now := time.Now().UnixNano()

		args := make([]any, 0, len(tubes)+2)
		for _, t := range tubes {
			args = append(args, t)
		}
		args = append(args, now, now)

		var (
			id       int64
			tube     string
			payload  []byte
			reserves int
		)
		err := b.db.QueryRowContext(ctx, `
			SELECT id, tube, payload, reserves
			FROM jobs
			WHERE tube IN (`+placeholders(len(tubes))+`) AND `+sqliteEligible+`
			ORDER BY ready_at, id
			LIMIT 1`, args...,
		).Scan(&id, &tube, &payload, &reserves)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		res, err := b.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'reserved', reserved_until = ?, reserves = reserves + 1
			WHERE id = ? AND `+sqliteEligible,
			b.opts.ttrDeadline(time.Unix(0, now)).UnixNano(), id, now, now,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another reserver claimed it first.
			continue
		}

		return &api.Job{
			ID:       strconv.FormatInt(id, 10),
			Tube:     tube,
			Payload:  payload,
			Attempts: reserves,
		}, nil
	}
}

// Touch only extends a lease that has not run out yet. An expired job may
// already belong to another consumer.
func (b *SQLiteBroker) Touch(ctx context.Context, id string) error {
	now := time.Now()
	return b.exec(ctx, id, `
		UPDATE jobs SET reserved_until = ?
		WHERE state = 'reserved' AND reserved_until > ? AND id = ?`,
		b.opts.ttrDeadline(now).UnixNano(), now.UnixNano(),
	)
}

func (b *SQLiteBroker) Delete(ctx context.Context, id string) error {
	return b.exec(ctx, id, `DELETE FROM jobs WHERE id = ?`)
}

func (b *SQLiteBroker) Release(ctx context.Context, id string, delay time.Duration) error {
	return b.exec(ctx, id, `
		UPDATE jobs SET state = 'ready', ready_at = ?, reserved_until = 0
		WHERE id = ? AND state = 'reserved'`,
		time.Now().Add(delay).UnixNano(),
	)
}

func (b *SQLiteBroker) Bury(ctx context.Context, id string) error {
	return b.exec(ctx, id, `
		UPDATE jobs SET state = 'buried', reserved_until = 0
		WHERE id = ? AND state = 'reserved'`,
	)
}

// exec runs a single-row statement on job id, passed as the last argument,
// and maps "no row affected" to ErrJobNotFound.
func (b *SQLiteBroker) exec(ctx context.Context, id, query string, args ...any) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	args = append(args, n)

	res, err := b.db.ExecContext(ctx, query, args...)
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

func (b *SQLiteBroker) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state != 'buried'`).Scan(&n)
	return n, err
}

// Close does not close the underlying *sql.DB, which belongs to the caller.
func (b *SQLiteBroker) Close() error { return nil }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
