package cron

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/provider"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []domain.Job
	claims   int
	done     map[string]domain.Job
	released []string
}

func newFakeStore(jobs ...domain.Job) *fakeStore {
	return &fakeStore{pending: jobs, done: make(map[string]domain.Job)}
}

func (s *fakeStore) ClaimPendingJobs(_ context.Context, _ domain.Kind, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	for i := range batch {
		batch[i].Status = domain.StatusProcessing
	}
	return batch, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id string, result []byte, unverified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = domain.Job{ID: id, Status: domain.StatusCompleted, Result: result, Unverified: unverified}
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = domain.Job{ID: id, Status: domain.StatusFailed, Error: errMsg}
	return nil
}

func (s *fakeStore) RequeueJob(_ context.Context, id, errMsg string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = domain.Job{ID: id, Status: domain.StatusPending, Error: errMsg, RunAt: runAt}
	return nil
}

func (s *fakeStore) ReleaseJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	s.done[id] = domain.Job{ID: id, Status: domain.StatusPending}
	return true, nil
}

func (s *fakeStore) SetProgress(context.Context, string, int) error { return nil }

func (s *fakeStore) InsertJob(context.Context, string, domain.Kind, []byte) (string, error) {
	return "", errors.New("unused")
}
func (s *fakeStore) JobByID(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("unused")
}
func (s *fakeStore) JobsByOwner(context.Context, string) ([]domain.Job, error) { return nil, nil }
func (s *fakeStore) Summary(context.Context, string) (domain.StatusSummary, error) {
	return domain.StatusSummary{}, nil
}
func (s *fakeStore) PendingJobs(context.Context, int) ([]domain.Job, error) { return nil, nil }
func (s *fakeStore) MarkProcessing(context.Context, string) (bool, error)   { return false, nil }
func (s *fakeStore) CancelJob(context.Context, string) (bool, error)        { return false, nil }

func (s *fakeStore) outcome(id string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.done[id]
	return j, ok
}

type fakeUploader struct {
	mu       sync.Mutex
	creates  int
	verifies int
	err      error
	verified bool
	block    chan struct{}
}

func (u *fakeUploader) CreateListing(_ context.Context, _ string, _ domain.ListingPayload, report queue.ProgressFunc) (*domain.ListingResult, error) {
	u.mu.Lock()
	u.creates++
	block := u.block
	u.mu.Unlock()
	if block != nil {
		<-block
	}
	if u.err != nil {
		return nil, u.err
	}
	report(50)
	return &domain.ListingResult{ListingID: 42, State: "draft"}, nil
}

func (u *fakeUploader) VerifyImages(context.Context, string, int64, int, int, time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.verifies++
	return u.verified
}

func pendingJob(id string) domain.Job {
	payload, _ := json.Marshal(domain.ListingPayload{
		Title: "print", Price: 12.5, Quantity: 1,
		Images: []domain.ImageInput{{Filename: "a.jpg", Data: []byte{1}}},
	})
	return domain.Job{ID: id, OwnerID: "o1", Kind: domain.KindCreateListing,
		Status: domain.StatusPending, Payload: payload}
}

func TestRunProcessesClaimedBatch(t *testing.T) {
	store := newFakeStore(pendingJob("j1"), pendingJob("j2"), pendingJob("j3"))
	up := &fakeUploader{verified: true}
	w := NewWorker(store, up, Config{BatchSize: 2, MaxRetries: 1}, zap.NewNop())

	processed, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want batch size 2", processed)
	}
	for _, id := range []string{"j1", "j2"} {
		j, ok := store.outcome(id)
		if !ok || j.Status != domain.StatusCompleted {
			t.Errorf("job %s outcome = %+v", id, j)
		}
		if j.Unverified {
			t.Errorf("job %s flagged unverified despite confirmation", id)
		}
		var res domain.ListingResult
		if err := json.Unmarshal(j.Result, &res); err != nil || res.ListingID != 42 {
			t.Errorf("job %s result = %s", id, j.Result)
		}
	}
	if _, ok := store.outcome("j3"); ok {
		t.Error("job beyond the batch size was processed")
	}
}

func TestRunReentrantIsNoOp(t *testing.T) {
	store := newFakeStore(pendingJob("j1"))
	up := &fakeUploader{verified: true, block: make(chan struct{})}
	w := NewWorker(store, up, Config{BatchSize: 1, MaxRetries: 1}, zap.NewNop())

	first := make(chan int, 1)
	go func() {
		n, _ := w.Run(context.Background())
		first <- n
	}()

	// Wait for the first run to be inside the uploader.
	deadline := time.Now().Add(time.Second)
	for {
		up.mu.Lock()
		started := up.creates > 0
		up.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	n, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("overlapping run processed %d jobs, want 0", n)
	}

	close(up.block)
	if n := <-first; n != 1 {
		t.Errorf("first run processed %d, want 1", n)
	}

	store.mu.Lock()
	claims := store.claims
	store.mu.Unlock()
	if claims != 1 {
		t.Errorf("claims = %d, want 1 (guard must fire before the claim)", claims)
	}
}

func TestRunUnconfirmedUploadCompletesUnverified(t *testing.T) {
	store := newFakeStore(pendingJob("j1"))
	up := &fakeUploader{verified: false}
	w := NewWorker(store, up, Config{BatchSize: 5, MaxRetries: 1, VerifyAttempts: 2}, zap.NewNop())

	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, ok := store.outcome("j1")
	if !ok || j.Status != domain.StatusCompleted {
		t.Fatalf("outcome = %+v, want completed", j)
	}
	if !j.Unverified {
		t.Error("unconfirmed upload must complete flagged unverified")
	}
	var res domain.ListingResult
	if err := json.Unmarshal(j.Result, &res); err != nil || !res.Unverified {
		t.Errorf("result = %s, want unverified flag set", j.Result)
	}
}

func TestRunRetryableErrorRequeues(t *testing.T) {
	store := newFakeStore(pendingJob("j1"))
	up := &fakeUploader{err: &provider.Error{Class: provider.ClassRateLimited, Message: "slow down"}}
	w := NewWorker(store, up, Config{BatchSize: 5, MaxRetries: 3}, zap.NewNop())

	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, ok := store.outcome("j1")
	if !ok || j.Status != domain.StatusPending {
		t.Fatalf("outcome = %+v, want requeued", j)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.verifies != 0 {
		t.Error("verification ran after a failed upload")
	}
}

func TestRunMalformedPayloadFails(t *testing.T) {
	job := pendingJob("j1")
	job.Payload = []byte("{broken")
	store := newFakeStore(job)
	up := &fakeUploader{verified: true}
	w := NewWorker(store, up, Config{BatchSize: 5, MaxRetries: 3}, zap.NewNop())

	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, ok := store.outcome("j1")
	if !ok || j.Status != domain.StatusFailed {
		t.Fatalf("outcome = %+v, want failed without retry", j)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.creates != 0 {
		t.Error("uploader invoked for malformed payload")
	}
}

// cancellingUploader cancels the run context from inside the first upload,
// as a dropped scheduler connection would.
type cancellingUploader struct {
	cancel context.CancelFunc
}

func (u *cancellingUploader) CreateListing(ctx context.Context, _ string, _ domain.ListingPayload, _ queue.ProgressFunc) (*domain.ListingResult, error) {
	u.cancel()
	return nil, ctx.Err()
}

func (u *cancellingUploader) VerifyImages(context.Context, string, int64, int, int, time.Duration) bool {
	return true
}

func TestRunReleasesClaimedBatchOnCancel(t *testing.T) {
	store := newFakeStore(pendingJob("j1"), pendingJob("j2"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(store, &cancellingUploader{cancel: cancel}, Config{BatchSize: 2, MaxRetries: 3}, zap.NewNop())

	processed, err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1 before the interruption", processed)
	}

	// Both the interrupted job and the untouched remainder of the batch must
	// be back in pending, with no retry charged.
	for _, id := range []string{"j1", "j2"} {
		j, ok := store.outcome(id)
		if !ok || j.Status != domain.StatusPending {
			t.Errorf("job %s outcome = %+v, want released to pending", id, j)
		}
		if j.RetryCount != 0 {
			t.Errorf("job %s retry_count = %d, want 0", id, j.RetryCount)
		}
	}
	store.mu.Lock()
	released := len(store.released)
	store.mu.Unlock()
	if released != 2 {
		t.Errorf("released rows = %d, want 2", released)
	}
}

func TestRunEmptyQueue(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(store, &fakeUploader{}, Config{BatchSize: 5}, zap.NewNop())
	processed, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
}
