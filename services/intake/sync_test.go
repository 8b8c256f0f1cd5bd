package intake

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSyncStore struct {
	pending   []Capture
	retryable []Capture

	claimErr error
	syncErr  error

	claimed  []uuid.UUID
	synced   map[uuid.UUID]string
	failed   map[uuid.UUID]string
	notified []uuid.UUID
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		synced: make(map[uuid.UUID]string),
		failed: make(map[uuid.UUID]string),
	}
}

func (f *fakeSyncStore) ListPending(_ context.Context, limit int) ([]Capture, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeSyncStore) ListRetryable(_ context.Context, maxAttempts, limit int) ([]Capture, error) {
	var out []Capture
	for _, c := range f.retryable {
		if c.SyncAttempts < maxAttempts && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSyncStore) MarkSyncing(_ context.Context, id uuid.UUID, _ SyncState) (Capture, error) {
	if f.claimErr != nil {
		return Capture{}, f.claimErr
	}
	f.claimed = append(f.claimed, id)
	for _, c := range append(f.pending, f.retryable...) {
		if c.ID == id {
			c.SyncState = StateSyncing
			c.SyncAttempts++
			return c, nil
		}
	}
	return Capture{}, ErrNotFound
}

func (f *fakeSyncStore) MarkSynced(_ context.Context, id uuid.UUID, remoteURL string) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.synced[id] = remoteURL
	return nil
}

func (f *fakeSyncStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeSyncStore) MarkNotified(_ context.Context, id uuid.UUID) error {
	f.notified = append(f.notified, id)
	return nil
}

type fakeUploader struct {
	err     error
	uploads []uuid.UUID
}

func (f *fakeUploader) Upload(_ context.Context, c Capture) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, c.ID)
	return "https://photos.example.com/" + c.ID.String(), nil
}

func (f *fakeUploader) Ping(context.Context) error { return f.err }

type fakeNotifier struct {
	err  error
	sent []string
}

func (f *fakeNotifier) SendLink(_ context.Context, phone, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, phone)
	return "delivery-1", nil
}

func (f *fakeNotifier) Ping(context.Context) error { return f.err }

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestSyncer(t *testing.T, store syncStore, remote Uploader, sms Notifier, cfg SyncerConfig) *Syncer {
	t.Helper()
	s, err := NewSyncer(store, remote, sms, nil, testLogger(), cfg)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	return s
}

func TestBackoffDelay(t *testing.T) {
	s := newTestSyncer(t, newFakeSyncStore(), &fakeUploader{}, nil, SyncerConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
		Jitter:      -1, // rejected, falls back to default
	})
	s.cfg.Jitter = 0

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second},
		{20, 60 * time.Second},
		{-3, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	s := newTestSyncer(t, newFakeSyncStore(), &fakeUploader{}, nil, SyncerConfig{
		BackoffBase: 10 * time.Second,
		BackoffCap:  60 * time.Second,
		Jitter:      0.2,
	})

	s.jitter = func() float64 { return 0 }
	if got, want := s.backoffDelay(0), 8*time.Second; got != want {
		t.Errorf("lower jitter bound = %v, want %v", got, want)
	}

	s.jitter = func() float64 { return 1 }
	if got, want := s.backoffDelay(0), 12*time.Second; got != want {
		t.Errorf("upper jitter bound = %v, want %v", got, want)
	}
}

func TestRetryDue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	s := newTestSyncer(t, newFakeSyncStore(), &fakeUploader{}, nil, SyncerConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
	})
	s.cfg.Jitter = 0
	s.now = func() time.Time { return now }

	tests := []struct {
		name     string
		attempts int
		updated  time.Time
		want     bool
	}{
		{"first retry elapsed", 1, now.Add(-5 * time.Second), true},
		{"first retry too soon", 1, now.Add(-time.Second), false},
		{"capped delay elapsed", 9, now.Add(-61 * time.Second), true},
		{"capped delay pending", 9, now.Add(-30 * time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Capture{SyncAttempts: tt.attempts, UpdatedAt: tt.updated}
			if got := s.retryDue(c); got != tt.want {
				t.Errorf("retryDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunPassSkipsWithoutRemote(t *testing.T) {
	store := newFakeSyncStore()
	store.pending = []Capture{{ID: uuid.New(), SyncState: StatePending}}

	s := newTestSyncer(t, store, nil, nil, SyncerConfig{})

	summary, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary != (SyncSummary{}) {
		t.Errorf("summary = %+v, want zero", summary)
	}
	if len(store.claimed) != 0 {
		t.Errorf("claimed %d rows with no remote configured", len(store.claimed))
	}
}

func TestRunPassSyncsAndNotifies(t *testing.T) {
	store := newFakeSyncStore()
	store.pending = []Capture{
		{ID: uuid.New(), SyncState: StatePending, Phone: "+33612345678"},
		{ID: uuid.New(), SyncState: StatePending},
	}
	remote := &fakeUploader{}
	sms := &fakeNotifier{}

	s := newTestSyncer(t, store, remote, sms, SyncerConfig{})

	summary, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Synced != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 synced", summary)
	}
	if len(store.synced) != 2 {
		t.Errorf("marked synced %d rows, want 2", len(store.synced))
	}
	if len(sms.sent) != 1 || sms.sent[0] != "+33612345678" {
		t.Errorf("sms sent to %v, want the one capture with a phone", sms.sent)
	}
	if len(store.notified) != 1 {
		t.Errorf("marked notified %d rows, want 1", len(store.notified))
	}
}

func TestRunPassRowFailureIsolated(t *testing.T) {
	good := Capture{ID: uuid.New(), SyncState: StatePending}
	store := newFakeSyncStore()
	store.pending = []Capture{{ID: uuid.New(), SyncState: StatePending}, good}

	remote := &fakeUploader{}
	calls := 0
	s := newTestSyncer(t, store, uploaderFunc(func(ctx context.Context, c Capture) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("bucket unreachable")
		}
		return remote.Upload(ctx, c)
	}), nil, SyncerConfig{})

	summary, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Synced != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 synced 1 failed", summary)
	}
	if len(store.failed) != 1 {
		t.Errorf("marked failed %d rows, want 1", len(store.failed))
	}
	if _, ok := store.synced[good.ID]; !ok {
		t.Error("second row not synced after first row failed")
	}
}

// uploaderFunc adapts a function to the Uploader interface for tests.
type uploaderFunc func(ctx context.Context, c Capture) (string, error)

func (f uploaderFunc) Upload(ctx context.Context, c Capture) (string, error) { return f(ctx, c) }
func (f uploaderFunc) Ping(context.Context) error                            { return nil }

func TestRunPassClaimConflictSkips(t *testing.T) {
	store := newFakeSyncStore()
	store.pending = []Capture{{ID: uuid.New(), SyncState: StatePending}}
	store.claimErr = ErrStateConflict

	remote := &fakeUploader{}
	s := newTestSyncer(t, store, remote, nil, SyncerConfig{})

	summary, err := s.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if summary.Skipped != 1 || summary.Synced != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 1 skipped", summary)
	}
	if len(remote.uploads) != 0 {
		t.Error("uploaded a row that was claimed elsewhere")
	}
}

func TestRunPassStopsOnCancel(t *testing.T) {
	store := newFakeSyncStore()
	for i := 0; i < 5; i++ {
		store.pending = append(store.pending, Capture{ID: uuid.New(), SyncState: StatePending})
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s := newTestSyncer(t, store, uploaderFunc(func(_ context.Context, c Capture) (string, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return "https://photos.example.com/" + c.ID.String(), nil
	}), nil, SyncerConfig{})

	_, err := s.RunPass(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPass err = %v, want context.Canceled", err)
	}
	if calls != 2 {
		t.Errorf("uploaded %d rows after cancellation, want 2", calls)
	}
}

func TestCollectRespectsBackoffAndBatch(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	due := Capture{ID: uuid.New(), SyncState: StateFailed, SyncAttempts: 1, UpdatedAt: now.Add(-time.Minute)}
	notDue := Capture{ID: uuid.New(), SyncState: StateFailed, SyncAttempts: 1, UpdatedAt: now.Add(-time.Second)}
	exhausted := Capture{ID: uuid.New(), SyncState: StateFailed, SyncAttempts: 3, UpdatedAt: now.Add(-time.Hour)}

	store := newFakeSyncStore()
	store.pending = []Capture{{ID: uuid.New(), SyncState: StatePending}}
	store.retryable = []Capture{due, notDue, exhausted}

	s := newTestSyncer(t, store, &fakeUploader{}, nil, SyncerConfig{
		BatchSize:   10,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
	})
	s.cfg.Jitter = 0
	s.now = func() time.Time { return now }

	rows, err := s.collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("collected %d rows, want pending + one due retry", len(rows))
	}
	if rows[1].ID != due.ID {
		t.Errorf("collected retry %s, want %s", rows[1].ID, due.ID)
	}
}

func TestNotifySkipsAlreadySent(t *testing.T) {
	store := newFakeSyncStore()
	sms := &fakeNotifier{}
	s := newTestSyncer(t, store, &fakeUploader{}, sms, SyncerConfig{})

	s.notify(context.Background(), Capture{ID: uuid.New(), Phone: "+33600000000", SMSSent: true}, "https://x")
	s.notify(context.Background(), Capture{ID: uuid.New()}, "https://x")

	if len(sms.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(sms.sent))
	}
	if len(store.notified) != 0 {
		t.Errorf("marked %d rows notified, want 0", len(store.notified))
	}
}
