package intake

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SyncState tracks where a capture sits in the local-to-remote
// synchronization lifecycle.
type SyncState string

const (
	// StatePending marks a capture recorded locally and not yet pushed.
	StatePending SyncState = "PENDING"
	// StateSyncing marks a capture claimed by an in-progress sync pass. The
	// state is transient: any row still SYNCING at startup is folded back to
	// PENDING by RecoverStuck.
	StateSyncing SyncState = "SYNCING"
	// StateSynced marks a capture successfully stored remotely.
	StateSynced SyncState = "SYNCED"
	// StateFailed marks a capture whose last push attempt failed. Rows under
	// the attempt cap are retried with backoff; rows at the cap wait for an
	// operator.
	StateFailed SyncState = "FAILED"
)

// Capture is one kiosk photo event and its synchronization bookkeeping.
type Capture struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Phone        string    `json:"phone,omitempty" db:"phone"`
	Email        string    `json:"email,omitempty" db:"email"`
	LocalPath    string    `json:"local_path" db:"local_path"`
	RemoteURL    string    `json:"remote_url,omitempty" db:"remote_url"`
	SizeBytes    int64     `json:"size_bytes" db:"size_bytes"`
	SyncState    SyncState `json:"sync_state" db:"sync_state"`
	SyncAttempts int       `json:"sync_attempts" db:"sync_attempts"`
	LastError    string    `json:"last_error,omitempty" db:"last_error"`
	SMSSent      bool      `json:"sms_sent" db:"sms_sent"`
	// Meta carries kiosk-supplied annotations (booth id, event name, frame
	// style) opaque to the sync lifecycle.
	Meta      datatypes.JSONMap `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// Stats summarises the local queue for the admin API.
type Stats struct {
	Counts               map[SyncState]int64 `json:"counts"`
	OldestPendingSeconds float64             `json:"oldest_pending_seconds"`
	TotalBytes           int64               `json:"total_bytes"`
}

// PartialDeletion records a sweep victim whose file could not be removed. The
// database row is kept so the file is never orphaned without a pointer.
type PartialDeletion struct {
	ID     uuid.UUID `json:"id"`
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
}

// SweepResult reports one retention sweep.
type SweepResult struct {
	Deleted    int               `json:"deleted"`
	BytesFreed int64             `json:"bytes_freed"`
	Partial    []PartialDeletion `json:"partial,omitempty"`
}
