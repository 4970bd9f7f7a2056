// Package cron is the externally triggered upload pass: an HTTP endpoint an
// infrastructure scheduler hits every few minutes. It claims durably pending
// rows, so it tolerates process restarts between invocations, and runs the
// same job state machine as the in-process queue with an added post-upload
// verification poll.
package cron

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/provider"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/queue"
)

// Store adds the atomic batch claim to the queue's durable interface.
type Store interface {
	queue.Store
	ClaimPendingJobs(ctx context.Context, kind domain.Kind, limit int) ([]domain.Job, error)
}

// Uploader performs the listing upload and the provider-side visibility
// check. Implemented by listing.Handler.
type Uploader interface {
	CreateListing(ctx context.Context, ownerID string, p domain.ListingPayload, report queue.ProgressFunc) (*domain.ListingResult, error)
	VerifyImages(ctx context.Context, ownerID string, listingID int64, want, attempts int, delay time.Duration) bool
}

type Config struct {
	BatchSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	VerifyAttempts int
	VerifyDelay    time.Duration
}

type Worker struct {
	store    Store
	listings Uploader
	cfg      Config
	log      *zap.Logger
	runner   *queue.Runner

	mu      sync.Mutex
	running bool
}

func NewWorker(store Store, listings Uploader, cfg Config, log *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 5
	}
	w := &Worker{
		store:    store,
		listings: listings,
		cfg:      cfg,
		log:      log.Named("upload_worker"),
	}
	w.runner = &queue.Runner{Store: store, MaxRetries: cfg.MaxRetries, RetryDelay: cfg.RetryDelay, Log: w.log}
	return w
}

// Run claims one batch and processes it. Overlapping invocations are safe:
// the claim is an atomic pending->processing transition, and a cheap guard
// turns a re-entrant call into a no-op.
func (w *Worker) Run(ctx context.Context) (processed int, err error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Info("previous run still active, skipping")
		return 0, nil
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	jobs, err := w.store.ClaimPendingJobs(ctx, domain.KindCreateListing, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.log.Info("claimed batch", zap.Int("count", len(jobs)))

	for i, job := range jobs {
		if ctx.Err() != nil {
			// Hand the rest of the claimed batch back so nothing stays
			// stranded in processing until an operator intervenes.
			w.release(context.WithoutCancel(ctx), jobs[i:])
			return processed, ctx.Err()
		}
		w.runner.Run(ctx, job, w.handle)
		processed++
	}
	return processed, nil
}

func (w *Worker) release(ctx context.Context, jobs []domain.Job) {
	for _, job := range jobs {
		if _, err := w.store.ReleaseJob(ctx, job.ID); err != nil {
			w.log.Error("release claimed job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// handle uploads the listing like the in-process handler, then polls the
// provider's read API to confirm the images are visible. Non-confirmation
// within the budget is a soft success: the job completes flagged unverified.
func (w *Worker) handle(ctx context.Context, job domain.Job, report queue.ProgressFunc) (*queue.Result, error) {
	var p domain.ListingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, &provider.Error{Class: provider.ClassValidation, Message: "malformed payload", Cause: err}
	}

	res, err := w.listings.CreateListing(ctx, job.OwnerID, p, report)
	if err != nil {
		return nil, err
	}

	unverified := false
	if len(p.Images) > 0 {
		verified := w.listings.VerifyImages(ctx, job.OwnerID, res.ListingID,
			len(p.Images), w.cfg.VerifyAttempts, w.cfg.VerifyDelay)
		if !verified {
			unverified = true
			w.log.Warn("upload not confirmed within verification budget",
				zap.String("job_id", job.ID), zap.Int64("listing_id", res.ListingID))
		}
	}
	res.Unverified = unverified

	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &queue.Result{Data: data, Unverified: unverified}, nil
}
