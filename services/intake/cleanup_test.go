package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSweepStore struct {
	cutoff          time.Time
	includeUnsynced bool
	limit           int
	result          SweepResult
	err             error
}

func (f *fakeSweepStore) DeleteOlderThan(_ context.Context, cutoff time.Time, includeUnsynced bool, limit int) (SweepResult, error) {
	f.cutoff = cutoff
	f.includeUnsynced = includeUnsynced
	f.limit = limit
	return f.result, f.err
}

func TestNewSweeperValidation(t *testing.T) {
	if _, err := NewSweeper(nil, nil, testLogger(), SweeperConfig{Retention: time.Hour}); err == nil {
		t.Error("nil store accepted")
	}
	if _, err := NewSweeper(&fakeSweepStore{}, nil, testLogger(), SweeperConfig{}); err == nil {
		t.Error("zero retention accepted")
	}
	if _, err := NewSweeper(&fakeSweepStore{}, nil, testLogger(), SweeperConfig{Retention: -time.Hour}); err == nil {
		t.Error("negative retention accepted")
	}
}

func TestSweeperCutoff(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeSweepStore{}

	s, err := NewSweeper(store, nil, testLogger(), SweeperConfig{Retention: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.now = func() time.Time { return now }

	s.RunPass(context.Background())

	want := now.Add(-30 * 24 * time.Hour)
	if !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoff, want)
	}
	if store.includeUnsynced {
		t.Error("unsynced rows included without the policy flag")
	}
	if store.limit != 200 {
		t.Errorf("batch limit = %d, want default 200", store.limit)
	}
}

func TestSweeperDeleteUnsyncedPolicy(t *testing.T) {
	store := &fakeSweepStore{}
	s, err := NewSweeper(store, nil, testLogger(), SweeperConfig{
		Retention:      time.Hour,
		DeleteUnsynced: true,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	s.RunPass(context.Background())

	if !store.includeUnsynced {
		t.Error("policy flag not forwarded to the store")
	}
}

func TestSweeperReportsPartialProgress(t *testing.T) {
	store := &fakeSweepStore{
		result: SweepResult{
			Deleted:    3,
			BytesFreed: 1024,
			Partial: []PartialDeletion{
				{ID: uuid.New(), Path: "/var/lib/kioskd/a.jpg", Reason: "permission denied"},
			},
		},
		err: errors.New("database gone away"),
	}

	s, err := NewSweeper(store, nil, testLogger(), SweeperConfig{Retention: time.Hour})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	res := s.RunPass(context.Background())

	if res.Deleted != 3 || res.BytesFreed != 1024 {
		t.Errorf("result = %+v, want progress before the error preserved", res)
	}
	if len(res.Partial) != 1 {
		t.Errorf("partial = %d, want 1", len(res.Partial))
	}
}
