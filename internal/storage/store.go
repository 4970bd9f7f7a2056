// Package storage is the durable mirror of queue and credential state,
// backed by Postgres. Jobs are claimed with an atomic status transition so
// overlapping pollers never double-claim a row.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/token"
)

// ErrNotFound is returned when a job or credential row does not exist.
var ErrNotFound = pkgerrors.New("not found")

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobColumns = `id, owner_id, kind, status, progress, payload, result,
coalesce(error, ''), retry_count, unverified, run_at, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.Progress, &j.Payload,
		&j.Result, &j.Error, &j.RetryCount, &j.Unverified, &j.RunAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan job")
	}
	return &j, nil
}

// InsertJob persists a new pending job and returns its id.
func (s *Store) InsertJob(ctx context.Context, ownerID string, kind domain.Kind, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into jobs(
id, owner_id, kind, status, progress, payload, retry_count
) values ($1,$2,$3,'pending',0,$4,0)`, id, ownerID, kind, payload)
	return id, pkgerrors.Wrap(err, "insert job")
}

func (s *Store) JobByID(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
}

// JobsByOwner lists an owner's jobs newest-first; always authoritative from
// the durable store.
func (s *Store) JobsByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx,
		`select `+jobColumns+` from jobs where owner_id = $1 order by created_at desc`, ownerID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) Summary(ctx context.Context, ownerID string) (domain.StatusSummary, error) {
	rows, err := s.db.Query(ctx,
		`select status, count(*) from jobs where owner_id = $1 group by status`, ownerID)
	if err != nil {
		return domain.StatusSummary{}, pkgerrors.Wrap(err, "summary")
	}
	defer rows.Close()
	var sum domain.StatusSummary
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return domain.StatusSummary{}, pkgerrors.Wrap(err, "summary scan")
		}
		switch st {
		case domain.StatusPending:
			sum.Pending = n
		case domain.StatusProcessing:
			sum.Processing = n
		case domain.StatusCompleted:
			sum.Completed = n
		case domain.StatusFailed:
			sum.Failed = n
		}
	}
	return sum, rows.Err()
}

// PendingJobs returns due pending work oldest-first for the in-memory
// poller. Rows whose run_at is still in the future are invisible until their
// retry delay elapses. Claiming happens via MarkProcessing.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx,
		`select `+jobColumns+` from jobs
		  where status = 'pending' and run_at <= now()
		  order by created_at asc limit $1`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pending jobs")
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkProcessing performs the pending->processing transition. The status
// filter makes it safe against a second poller racing for the same row.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`update jobs set status = 'processing', started_at = now()
		  where id = $1 and status = 'pending'`, id)
	if err != nil {
		return false, pkgerrors.Wrap(err, "mark processing")
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPendingJobs atomically claims a batch for the cron worker. SKIP LOCKED
// keeps an overlapping cron invocation from blocking or double-claiming.
func (s *Store) ClaimPendingJobs(ctx context.Context, kind domain.Kind, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `
update jobs set status = 'processing', started_at = now()
 where id in (
       select id from jobs
        where status = 'pending' and kind = $1 and run_at <= now()
        order by created_at asc
        limit $2
          for update skip locked)
returning `+jobColumns, kind, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "claim jobs")
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.Exec(ctx,
		`update jobs set progress = $2 where id = $1 and status = 'processing'`, id, progress)
	return pkgerrors.Wrap(err, "set progress")
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, unverified bool) error {
	_, err := s.db.Exec(ctx,
		`update jobs set status = 'completed', progress = 100, result = $2,
		        unverified = $3, completed_at = now()
		  where id = $1`, id, result, unverified)
	return pkgerrors.Wrap(err, "complete job")
}

func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.db.Exec(ctx,
		`update jobs set status = 'failed', error = $2, completed_at = now()
		  where id = $1`, id, errMsg)
	return pkgerrors.Wrap(err, "fail job")
}

// RequeueJob returns a failed attempt to pending with the retry counter
// bumped, progress reset, the failure kept as a running annotation and the
// next attempt deferred until runAt.
func (s *Store) RequeueJob(ctx context.Context, id, errMsg string, runAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`update jobs set status = 'pending', retry_count = retry_count + 1,
		        progress = 0, error = $2, started_at = null, run_at = $3
		  where id = $1`, id, errMsg, runAt)
	return pkgerrors.Wrap(err, "requeue job")
}

// ReleaseJob hands a claimed but interrupted job back to the queue without
// charging a retry, e.g. during shutdown. Returns false when the row is no
// longer processing (it was cancelled or finished meanwhile).
func (s *Store) ReleaseJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`update jobs set status = 'pending', progress = 0, started_at = null, run_at = now()
		  where id = $1 and status = 'processing'`, id)
	if err != nil {
		return false, pkgerrors.Wrap(err, "release job")
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob marks a non-terminal job cancelled. Returns false when the job
// had already reached a terminal state.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`update jobs set status = 'cancelled', completed_at = now()
		  where id = $1 and status in ('pending','processing')`, id)
	if err != nil {
		return false, pkgerrors.Wrap(err, "cancel job")
	}
	return tag.RowsAffected() == 1, nil
}

// ── Credentials ──

func (s *Store) Credential(ctx context.Context, ownerID string) (token.Credential, error) {
	var c token.Credential
	err := s.db.QueryRow(ctx, `select owner_id, access_token, refresh_token, expires_at, is_valid
  from shop_credentials where owner_id = $1`, ownerID).
		Scan(&c.OwnerID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.IsValid)
	if err == pgx.ErrNoRows {
		return token.Credential{}, ErrNotFound
	}
	return c, pkgerrors.Wrap(err, "load credential")
}

func (s *Store) SaveTokens(ctx context.Context, ownerID, access, refresh string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `update shop_credentials
   set access_token = $2, refresh_token = $3, expires_at = $4, is_valid = true, updated_at = now()
 where owner_id = $1`, ownerID, access, refresh, expiresAt)
	return pkgerrors.Wrap(err, "save tokens")
}

func (s *Store) MarkInvalid(ctx context.Context, ownerID string) error {
	_, err := s.db.Exec(ctx,
		`update shop_credentials set is_valid = false, updated_at = now() where owner_id = $1`, ownerID)
	return pkgerrors.Wrap(err, "mark invalid")
}

// UpsertCredential is used by the (external) connect flow after a successful
// OAuth exchange.
func (s *Store) UpsertCredential(ctx context.Context, c token.Credential) error {
	_, err := s.db.Exec(ctx, `insert into shop_credentials
 (owner_id, access_token, refresh_token, expires_at, is_valid)
 values ($1,$2,$3,$4,$5)
 on conflict (owner_id) do update
   set access_token = excluded.access_token,
       refresh_token = excluded.refresh_token,
       expires_at = excluded.expires_at,
       is_valid = excluded.is_valid,
       updated_at = now()`,
		c.OwnerID, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.IsValid)
	return pkgerrors.Wrap(err, "upsert credential")
}
