package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"kioskd/pkg/bus"
)

const (
	captureSyncedSubject = "kioskd.captures.synced"

	defaultSyncBatch   = 10
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second
	defaultJitter      = 0.2
	defaultSMSTimeout  = 10 * time.Second
)

// syncStore is the slice of the capture store the engine needs.
type syncStore interface {
	ListPending(ctx context.Context, limit int) ([]Capture, error)
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]Capture, error)
	MarkSyncing(ctx context.Context, id uuid.UUID, expected SyncState) (Capture, error)
	MarkSynced(ctx context.Context, id uuid.UUID, remoteURL string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkNotified(ctx context.Context, id uuid.UUID) error
}

// SyncerConfig tunes one sync engine.
type SyncerConfig struct {
	// BatchSize caps the rows considered per pass.
	BatchSize int
	// MaxAttempts is the retry cap; a capture at the cap stays FAILED until
	// an operator retries or deletes it.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the exponential retry delay
	// base·2^attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Jitter is the random fraction (±) applied to the delay so a fleet of
	// kiosks coming back online does not retry in lockstep.
	Jitter float64
}

func (c *SyncerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultSyncBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = defaultJitter
	}
}

// SyncSummary reports one pass.
type SyncSummary struct {
	Synced  int
	Failed  int
	Skipped int
}

// Syncer drains unsynchronized captures to the remote store, one row at a
// time, oldest first. Row failures are isolated: a capture that cannot be
// uploaded is marked FAILED and the pass moves on.
type Syncer struct {
	store  syncStore
	remote Uploader
	sms    Notifier
	events *bus.Bus
	logger *log.Logger
	cfg    SyncerConfig

	now    func() time.Time
	jitter func() float64
}

// NewSyncer wires a sync engine. The SMS notifier and event bus are optional.
func NewSyncer(store syncStore, remote Uploader, sms Notifier, events *bus.Bus, logger *log.Logger, cfg SyncerConfig) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg.applyDefaults()

	return &Syncer{
		store:  store,
		remote: remote,
		sms:    sms,
		events: events,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		jitter: rand.Float64,
	}, nil
}

// RunPass processes one batch. The caller holds the sync job lock; ctx is
// cancelled when lock renewal fails, and the pass stops claiming new rows
// within one row of that signal. Rows left behind recover via the startup
// SYNCING→PENDING rule.
func (s *Syncer) RunPass(ctx context.Context) (SyncSummary, error) {
	var summary SyncSummary

	if s.remote == nil {
		s.logger.Printf("WARN sync pass skipped: remote store not configured")
		return summary, nil
	}

	rows, err := s.collect(ctx)
	if err != nil {
		return summary, err
	}
	if len(rows) == 0 {
		return summary, nil
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			s.logger.Printf("WARN sync pass cancelled after %d rows: %v", summary.Synced+summary.Failed, err)
			return summary, err
		}
		s.processRow(ctx, row, &summary)
	}

	s.logger.Printf("INFO sync pass complete: synced=%d failed=%d skipped=%d",
		summary.Synced, summary.Failed, summary.Skipped)
	return summary, nil
}

// collect gathers the pass's work: pending rows first, then FAILED rows whose
// backoff window has elapsed.
func (s *Syncer) collect(ctx context.Context) ([]Capture, error) {
	rows, err := s.store.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	if remaining := s.cfg.BatchSize - len(rows); remaining > 0 {
		failed, err := s.store.ListRetryable(ctx, s.cfg.MaxAttempts, remaining)
		if err != nil {
			return nil, fmt.Errorf("list retryable: %w", err)
		}
		for _, row := range failed {
			if s.retryDue(row) {
				rows = append(rows, row)
			}
		}
	}

	return rows, nil
}

func (s *Syncer) processRow(ctx context.Context, row Capture, summary *SyncSummary) {
	claimed, err := s.store.MarkSyncing(ctx, row.ID, row.SyncState)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Another pass claimed the row between list and claim.
			summary.Skipped++
			return
		}
		s.logger.Printf("ERROR claim capture %s: %v", row.ID, err)
		summary.Skipped++
		return
	}

	url, err := s.remote.Upload(ctx, claimed)
	if err != nil {
		summary.Failed++
		syncFailuresTotal.Inc()
		s.logger.Printf("WARN upload capture %s attempt %d: %v", claimed.ID, claimed.SyncAttempts, err)
		if markErr := s.store.MarkFailed(ctx, claimed.ID, err.Error()); markErr != nil {
			s.logger.Printf("ERROR mark capture %s failed: %v", claimed.ID, markErr)
		}
		return
	}

	if err := s.store.MarkSynced(ctx, claimed.ID, url); err != nil {
		s.logger.Printf("ERROR mark capture %s synced: %v", claimed.ID, err)
		summary.Failed++
		return
	}
	summary.Synced++
	capturesSyncedTotal.Inc()

	if err := s.events.Publish(ctx, captureSyncedSubject, map[string]any{
		"capture_id": claimed.ID,
		"remote_url": url,
		"attempts":   claimed.SyncAttempts,
	}); err != nil {
		s.logger.Printf("WARN publish synced event for %s: %v", claimed.ID, err)
	}

	s.notify(ctx, claimed, url)
}

// notify sends the download link once the photo is remotely stored. Failures
// are logged only: delivery is retried out of band, never by failing the sync.
func (s *Syncer) notify(ctx context.Context, c Capture, url string) {
	if s.sms == nil || c.Phone == "" || c.SMSSent {
		return
	}

	smsCtx, cancel := context.WithTimeout(ctx, defaultSMSTimeout)
	defer cancel()

	if _, err := s.sms.SendLink(smsCtx, c.Phone, url, c.ID.String()); err != nil {
		s.logger.Printf("WARN send sms for capture %s: %v", c.ID, err)
		return
	}
	if err := s.store.MarkNotified(ctx, c.ID); err != nil {
		s.logger.Printf("ERROR mark capture %s notified: %v", c.ID, err)
	}
}

// retryDue reports whether a FAILED row's backoff window has elapsed.
func (s *Syncer) retryDue(c Capture) bool {
	return s.now().After(c.UpdatedAt.Add(s.backoffDelay(c.SyncAttempts)))
}

// backoffDelay computes base·2^attempts capped at BackoffCap, with a random
// ±Jitter fraction applied.
func (s *Syncer) backoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	delay := s.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			delay = s.cfg.BackoffCap
			break
		}
	}

	if s.cfg.Jitter > 0 {
		spread := 1 + s.cfg.Jitter*(2*s.jitter()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}
