// Package queue drives listing jobs through their state machine: a
// ticker-driven poller claims pending rows, fans out to kind-specific
// handlers under a concurrency ceiling and writes every transition back to
// the durable store.
package queue

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
)

type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration
	PollInterval  time.Duration
}

type Manager struct {
	store    Store
	cfg      Config
	log      *zap.Logger
	handlers map[domain.Kind]Handler
	runner   *Runner

	mu         sync.Mutex
	processing map[string]context.CancelFunc
	index      map[string]domain.Job
	polling    bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store Store, cfg Config, log *zap.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	m := &Manager{
		store:      store,
		cfg:        cfg,
		log:        log.Named("queue"),
		handlers:   make(map[domain.Kind]Handler),
		processing: make(map[string]context.CancelFunc),
		index:      make(map[string]domain.Job),
		kick:       make(chan struct{}, 1),
	}
	m.runner = &Runner{
		Store:      store,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Log:        m.log,
		Observer:   m.updateIndex,
	}
	return m
}

func (m *Manager) Register(kind domain.Kind, h Handler) {
	m.handlers[kind] = h
}

// Start launches the poll loop. Each tick (or enqueue kick) runs one
// ProcessQueue pass.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-m.kick:
			}
			m.ProcessQueue(ctx)
		}
	}()
}

// Stop cancels the loop and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// AddJob persists a new pending job and triggers an out-of-band poll so the
// job does not wait for the next tick. The caller gets the id immediately.
func (m *Manager) AddJob(ctx context.Context, ownerID string, kind domain.Kind, payload []byte) (string, error) {
	if _, ok := m.handlers[kind]; !ok {
		return "", pkgerrors.Errorf("no handler registered for kind %q", kind)
	}
	id, err := m.store.InsertJob(ctx, ownerID, kind, payload)
	if err != nil {
		return "", err
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
	m.log.Info("job enqueued", zap.String("job_id", id), zap.String("owner", ownerID))
	return id, nil
}

// ProcessQueue selects pending jobs not already in flight, caps the batch at
// the free concurrency slots and dispatches each without blocking on the
// others. A pass that starts while another is still selecting is a no-op.
func (m *Manager) ProcessQueue(ctx context.Context) {
	m.mu.Lock()
	if m.polling {
		m.mu.Unlock()
		return
	}
	m.polling = true
	slots := m.cfg.MaxConcurrent - len(m.processing)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.polling = false
		m.mu.Unlock()
	}()

	if slots <= 0 {
		return
	}

	// Over-fetch so rows already in flight don't starve the batch.
	jobs, err := m.store.PendingJobs(ctx, m.cfg.MaxConcurrent*2)
	if err != nil {
		m.log.Error("poll pending jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if slots <= 0 {
			break
		}
		h, ok := m.handlers[job.Kind]
		if !ok {
			m.log.Warn("no handler for kind", zap.String("kind", string(job.Kind)))
			continue
		}

		m.mu.Lock()
		if _, inflight := m.processing[job.ID]; inflight {
			m.mu.Unlock()
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		m.processing[job.ID] = cancel
		m.mu.Unlock()

		claimed, err := m.store.MarkProcessing(ctx, job.ID)
		if err != nil || !claimed {
			cancel()
			m.mu.Lock()
			delete(m.processing, job.ID)
			m.mu.Unlock()
			if err != nil {
				m.log.Error("claim job", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}

		slots--
		m.wg.Add(1)
		go func(job domain.Job) {
			// Slot release must survive handler panics.
			defer func() {
				cancel()
				m.mu.Lock()
				delete(m.processing, job.ID)
				m.mu.Unlock()
				m.wg.Done()
			}()
			m.runner.Run(jobCtx, job, h)
		}(job)
	}
}

// Cancel marks a pending or processing job cancelled and interrupts its
// handler if one is running. Returns false for unknown or terminal jobs.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.CancelJob(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	m.mu.Lock()
	if cancel, inflight := m.processing[id]; inflight {
		cancel()
	}
	if j, known := m.index[id]; known {
		j.Status = domain.StatusCancelled
		m.index[id] = j
	}
	m.mu.Unlock()
	m.log.Info("job cancel requested", zap.String("job_id", id))
	return true, nil
}

// JobStatus reads from the in-memory index first and falls back to the
// durable store, repopulating the index, so status queries survive a
// restart.
func (m *Manager) JobStatus(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	if j, ok := m.index[id]; ok {
		m.mu.Unlock()
		return &j, nil
	}
	m.mu.Unlock()

	j, err := m.store.JobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.index[id] = *j
	m.mu.Unlock()
	return j, nil
}

// OwnerJobs returns the authoritative per-owner summary and job list,
// newest-first.
func (m *Manager) OwnerJobs(ctx context.Context, ownerID string) (domain.StatusSummary, []domain.Job, error) {
	sum, err := m.store.Summary(ctx, ownerID)
	if err != nil {
		return domain.StatusSummary{}, nil, err
	}
	jobs, err := m.store.JobsByOwner(ctx, ownerID)
	if err != nil {
		return domain.StatusSummary{}, nil, err
	}
	return sum, jobs, nil
}

// Inflight reports how many jobs currently hold a concurrency slot.
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processing)
}

func (m *Manager) updateIndex(job domain.Job) {
	m.mu.Lock()
	m.index[job.ID] = job
	m.mu.Unlock()
}
