package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Status is a component health level. Severity orders OK < DEGRADED < DOWN.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func severity(s Status) int {
	switch s {
	case StatusDown:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// worse returns the higher-severity of two statuses.
func worse(a, b Status) Status {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// ComponentHealth is one dependency's probed state.
type ComponentHealth struct {
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is the aggregate health across all dependencies, computed fresh
// from live probes. Connectivity is never stored as a mode flag; it is always
// derived here.
type Snapshot struct {
	Overall    Status                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Probe checks one dependency. OnFailure is the severity a failed check maps
// to: a dead remote store degrades the kiosk, a dead local store downs it.
type Probe struct {
	Name      string
	OnFailure Status
	Check     func(ctx context.Context) error
}

const (
	probeTimeout     = 3 * time.Second
	snapshotCacheTTL = 5 * time.Second
)

// Checker runs all probes concurrently and folds them into one snapshot.
// Probes are isolated: each has its own bounded timeout and panic guard, so
// one unreachable dependency never masks the others. The checker mutates
// nothing and holds no job lock.
type Checker struct {
	probes []Probe

	mu       sync.Mutex
	cached   Snapshot
	cachedAt time.Time

	now func() time.Time
}

// NewChecker builds a health checker over the given probes.
func NewChecker(probes []Probe) *Checker {
	return &Checker{probes: probes, now: time.Now}
}

// Snapshot returns the current aggregate health. Results are cached for a few
// seconds so an admin dashboard polling /health does not hammer dependencies.
func (c *Checker) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) < snapshotCacheTTL {
		snap := c.cached
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	snap := c.probeAll(ctx)

	c.mu.Lock()
	c.cached = snap
	c.cachedAt = c.now()
	c.mu.Unlock()

	return snap
}

func (c *Checker) probeAll(ctx context.Context) Snapshot {
	snap := Snapshot{
		Overall:    StatusOK,
		Components: make(map[string]ComponentHealth, len(c.probes)),
		CheckedAt:  c.now().UTC(),
	}

	results := make([]ComponentHealth, len(c.probes))

	var wg sync.WaitGroup
	for i, probe := range c.probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = c.runProbe(ctx, probe)
		}(i, probe)
	}
	wg.Wait()

	for i, probe := range c.probes {
		snap.Components[probe.Name] = results[i]
		snap.Overall = worse(snap.Overall, results[i].Status)
	}
	return snap
}

func (c *Checker) runProbe(ctx context.Context, probe Probe) (out ComponentHealth) {
	start := c.now()
	out = ComponentHealth{Status: StatusOK, CheckedAt: start.UTC()}

	defer func() {
		out.LatencyMS = float64(c.now().Sub(start).Microseconds()) / 1000
		if r := recover(); r != nil {
			out.Status = probe.OnFailure
			out.Detail = fmt.Sprintf("probe panicked: %v", r)
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := probe.Check(probeCtx); err != nil {
		out.Status = probe.OnFailure
		out.Detail = err.Error()
	}
	return out
}

const (
	diskMinFreeBytes   = 1 << 30 // 1 GiB
	diskMaxUsedPercent = 90.0
)

// DiskProbe checks free space on the volume holding dir. Thresholds match
// the kiosk's operational floor: under 1 GiB free or over 90% used and the
// kiosk can no longer safely accept photos.
func DiskProbe(dir string) Probe {
	return Probe{
		Name:      "disk",
		OnFailure: StatusDown,
		Check: func(context.Context) error {
			var fs unix.Statfs_t
			if err := unix.Statfs(dir, &fs); err != nil {
				return fmt.Errorf("statfs %s: %w", dir, err)
			}

			total := fs.Blocks * uint64(fs.Bsize)
			free := fs.Bavail * uint64(fs.Bsize)
			if total == 0 {
				return fmt.Errorf("statfs %s reported zero capacity", dir)
			}

			usedPercent := float64(total-free) / float64(total) * 100
			if free < diskMinFreeBytes || usedPercent > diskMaxUsedPercent {
				return fmt.Errorf("low disk space: %.1f%% used, %d bytes free", usedPercent, free)
			}
			return nil
		},
	}
}
