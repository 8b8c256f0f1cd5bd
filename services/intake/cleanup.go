package intake

import (
	"context"
	"errors"
	"log"
	"time"

	"kioskd/pkg/bus"
)

const (
	sweepCompletedSubject = "kioskd.sweeps.completed"

	defaultSweepBatch = 200
)

// sweepStore is the slice of the capture store the sweeper needs.
type sweepStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, includeUnsynced bool, limit int) (SweepResult, error)
}

// SweeperConfig tunes retention.
type SweeperConfig struct {
	// Retention is how long captures may live locally.
	Retention time.Duration
	// DeleteUnsynced controls whether PENDING/FAILED rows past the cutoff
	// are deleted too. Privacy-driven deployments set it so data never
	// outlives the window regardless of sync outcome; the default keeps
	// unsynced captures because deleting them loses the only copy.
	DeleteUnsynced bool
	// BatchSize caps deletions per pass so a backlog sweep cannot hold the
	// cleanup lock indefinitely. Leftovers go in the next pass.
	BatchSize int
}

// Sweeper deletes captures older than the retention window: the file first,
// then the row. It never lets an internal error escape, so one bad row can
// never wedge future sweeps.
type Sweeper struct {
	store  sweepStore
	events *bus.Bus
	logger *log.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

// NewSweeper wires a retention sweeper. The event bus is optional.
func NewSweeper(store sweepStore, events *bus.Bus, logger *log.Logger, cfg SweeperConfig) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}

	return &Sweeper{
		store:  store,
		events: events,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// RunPass performs one sweep. The caller holds the cleanup job lock.
func (s *Sweeper) RunPass(ctx context.Context) SweepResult {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR sweep panicked: %v", r)
		}
	}()

	cutoff := s.now().Add(-s.cfg.Retention)

	res, err := s.store.DeleteOlderThan(ctx, cutoff, s.cfg.DeleteUnsynced, s.cfg.BatchSize)
	if err != nil {
		s.logger.Printf("ERROR sweep aborted after %d deletions: %v", res.Deleted, err)
	}

	sweepDeletedTotal.Add(float64(res.Deleted))
	sweepBytesFreedTotal.Add(float64(res.BytesFreed))

	for _, partial := range res.Partial {
		s.logger.Printf("WARN sweep kept capture %s: file %s not removed: %s",
			partial.ID, partial.Path, partial.Reason)
	}
	s.logger.Printf("INFO sweep complete: deleted=%d bytes_freed=%d partial=%d cutoff=%s",
		res.Deleted, res.BytesFreed, len(res.Partial), cutoff.UTC().Format(time.RFC3339))

	if err := s.events.Publish(ctx, sweepCompletedSubject, res); err != nil {
		s.logger.Printf("WARN publish sweep event: %v", err)
	}

	return res
}
