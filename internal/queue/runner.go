package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/provider"
)

// Result is what a handler returns on success. Data is merged into the job
// record; Unverified flags a soft success whose uploaded assets could not be
// confirmed within the verification budget.
type Result struct {
	Data       json.RawMessage
	Unverified bool
}

// ProgressFunc reports a handler milestone in [0,100]. Values below the
// current progress are dropped so progress stays monotonic within an
// attempt.
type ProgressFunc func(progress int)

// Handler executes one job kind. It must return a typed error
// (provider.Error or token.ErrReconnectRequired) so the runner can decide
// retry vs terminal structurally.
type Handler func(ctx context.Context, job domain.Job, report ProgressFunc) (*Result, error)

// Store is the durable job state the runner and manager depend on.
// Implemented by storage.Store; tests substitute an in-memory fake.
type Store interface {
	InsertJob(ctx context.Context, ownerID string, kind domain.Kind, payload []byte) (string, error)
	JobByID(ctx context.Context, id string) (*domain.Job, error)
	JobsByOwner(ctx context.Context, ownerID string) ([]domain.Job, error)
	Summary(ctx context.Context, ownerID string) (domain.StatusSummary, error)
	PendingJobs(ctx context.Context, limit int) ([]domain.Job, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	SetProgress(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, result []byte, unverified bool) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueJob(ctx context.Context, id, errMsg string, runAt time.Time) error
	ReleaseJob(ctx context.Context, id string) (bool, error)
	CancelJob(ctx context.Context, id string) (bool, error)
}

// Runner is the single state machine both queue fronts drive: the in-process
// poller and the cron upload pass. The job handed to Run must already hold
// the processing claim.
type Runner struct {
	Store      Store
	MaxRetries int
	RetryDelay time.Duration
	Log        *zap.Logger

	// Observer, when set, sees every persisted transition of the job copy.
	Observer func(domain.Job)
}

// Run executes the job through its handler and persists the outcome:
// success, requeue with the retry counter bumped, or terminal failure.
func (r *Runner) Run(ctx context.Context, job domain.Job, h Handler) domain.Status {
	log := r.Log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))

	job.Status = domain.StatusProcessing
	r.observe(job)

	res, err := r.invoke(ctx, job, h)

	switch {
	case err == nil:
		var data []byte
		if res != nil {
			data = res.Data
		}
		unverified := res != nil && res.Unverified
		if serr := r.Store.CompleteJob(ctx, job.ID, data, unverified); serr != nil {
			log.Error("persist completion", zap.Error(serr))
		}
		job.Status = domain.StatusCompleted
		job.Progress = 100
		job.Result = data
		job.Unverified = unverified
		r.observe(job)
		log.Info("job completed", zap.Bool("unverified", unverified), zap.Int("attempt", job.RetryCount))
		return domain.StatusCompleted

	case ctx.Err() != nil:
		// Interrupted mid-flight. A cancel request already flipped the row to
		// cancelled, so the release below is a no-op; on shutdown the row is
		// still processing and goes back to pending without a retry charge.
		released, rerr := r.Store.ReleaseJob(context.WithoutCancel(ctx), job.ID)
		if rerr != nil {
			log.Error("release interrupted job", zap.Error(rerr))
		}
		if released {
			job.Status = domain.StatusPending
			job.Progress = 0
			r.observe(job)
			log.Info("job released after interruption")
			return domain.StatusPending
		}
		job.Status = domain.StatusCancelled
		r.observe(job)
		log.Info("job cancelled")
		return domain.StatusCancelled

	case provider.IsRetryable(err) && job.RetryCount < r.MaxRetries:
		msg := annotate(job.Error, job.RetryCount+1, err)
		runAt := time.Now().Add(r.RetryDelay)
		if serr := r.Store.RequeueJob(ctx, job.ID, msg, runAt); serr != nil {
			log.Error("persist requeue", zap.Error(serr))
		}
		job.Status = domain.StatusPending
		job.RetryCount++
		job.Progress = 0
		job.Error = msg
		job.RunAt = runAt
		r.observe(job)
		log.Warn("job requeued",
			zap.Int("retry_count", job.RetryCount), zap.Time("run_at", runAt), zap.Error(err))
		return domain.StatusPending

	default:
		msg := annotate(job.Error, job.RetryCount+1, err)
		if serr := r.Store.FailJob(ctx, job.ID, msg); serr != nil {
			log.Error("persist failure", zap.Error(serr))
		}
		job.Status = domain.StatusFailed
		job.Error = msg
		r.observe(job)
		log.Error("job failed", zap.Int("retry_count", job.RetryCount), zap.Error(err))
		return domain.StatusFailed
	}
}

// invoke runs the handler with a panic guard and a monotonic progress
// reporter.
func (r *Runner) invoke(ctx context.Context, job domain.Job, h Handler) (res *Result, err error) {
	current := 0
	report := func(p int) {
		if p <= current || p > 100 {
			return
		}
		current = p
		if serr := r.Store.SetProgress(ctx, job.ID, p); serr != nil {
			r.Log.Warn("persist progress", zap.String("job_id", job.ID), zap.Error(serr))
		}
		job.Progress = p
		r.observe(job)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job, report)
}

func (r *Runner) observe(job domain.Job) {
	if r.Observer != nil {
		r.Observer(job)
	}
}

func annotate(prev string, attempt int, err error) string {
	msg := fmt.Sprintf("attempt %d: %v", attempt, err)
	if prev != "" {
		return prev + "; " + msg
	}
	return msg
}
