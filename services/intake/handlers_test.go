package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type fakeAdminStore struct {
	captures map[uuid.UUID]Capture

	createErr error
	retryErr  error
	stats     Stats
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{captures: make(map[uuid.UUID]Capture)}
}

func (f *fakeAdminStore) CreateCapture(_ context.Context, c Capture) (Capture, error) {
	if f.createErr != nil {
		return Capture{}, f.createErr
	}
	if _, ok := f.captures[c.ID]; ok {
		return Capture{}, ErrDuplicateID
	}
	c.SyncState = StatePending
	f.captures[c.ID] = c
	return c, nil
}

func (f *fakeAdminStore) GetCapture(_ context.Context, id uuid.UUID) (Capture, error) {
	c, ok := f.captures[id]
	if !ok {
		return Capture{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeAdminStore) RetryCapture(_ context.Context, id uuid.UUID) (Capture, error) {
	if f.retryErr != nil {
		return Capture{}, f.retryErr
	}
	c, ok := f.captures[id]
	if !ok {
		return Capture{}, ErrNotFound
	}
	c.SyncState = StatePending
	c.SyncAttempts = 0
	f.captures[id] = c
	return c, nil
}

func (f *fakeAdminStore) Stats(context.Context) (Stats, error) {
	return f.stats, nil
}

type fakeTriggerer struct {
	status TriggerStatus
	err    error
	jobs   []string
}

func (f *fakeTriggerer) Trigger(_ context.Context, name string) (TriggerStatus, error) {
	f.jobs = append(f.jobs, name)
	return f.status, f.err
}

func newTestAPI(t *testing.T, store adminStore, sched triggerer, probes []Probe) http.Handler {
	t.Helper()
	api, err := NewAPI(store, sched, NewChecker(probes))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api.Routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateCapture(t *testing.T) {
	store := newFakeAdminStore()
	handler := newTestAPI(t, store, &fakeTriggerer{status: TriggerStarted}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/captures", map[string]any{
		"local_path": "/var/lib/kioskd/photos/a.jpg",
		"phone":      "+33612345678",
		"size_bytes": 2048,
		"meta":       map[string]any{"booth": "lobby-2"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Capture Capture `json:"capture"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Capture.ID == uuid.Nil {
		t.Error("no id assigned")
	}
	if resp.Capture.SyncState != StatePending {
		t.Errorf("state = %s, want PENDING", resp.Capture.SyncState)
	}
	if resp.Capture.Meta["booth"] != "lobby-2" {
		t.Errorf("meta = %v, want booth annotation carried through", resp.Capture.Meta)
	}
}

func TestCreateCaptureValidation(t *testing.T) {
	handler := newTestAPI(t, newFakeAdminStore(), &fakeTriggerer{}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/captures", map[string]any{"phone": "+336"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing local_path status = %d, want 400", rec.Code)
	}
}

func TestCreateCaptureDuplicate(t *testing.T) {
	store := newFakeAdminStore()
	id := uuid.New()
	store.captures[id] = Capture{ID: id, SyncState: StateSynced}

	handler := newTestAPI(t, store, &fakeTriggerer{}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/captures", map[string]any{
		"id":         id.String(),
		"local_path": "/var/lib/kioskd/photos/a.jpg",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestGetCapture(t *testing.T) {
	store := newFakeAdminStore()
	id := uuid.New()
	store.captures[id] = Capture{ID: id, SyncState: StateSynced}

	handler := newTestAPI(t, store, &fakeTriggerer{}, nil)

	if rec := doJSON(t, handler, http.MethodGet, "/v1/captures/"+id.String(), nil); rec.Code != http.StatusOK {
		t.Errorf("known id status = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/v1/captures/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/v1/captures/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestRetryCapture(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name     string
		retryErr error
		seed     bool
		want     int
	}{
		{"requeued", nil, true, http.StatusOK},
		{"unknown capture", nil, false, http.StatusNotFound},
		{"wrong state", ErrInvalidState, true, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeAdminStore()
			store.retryErr = tt.retryErr
			if tt.seed {
				store.captures[id] = Capture{ID: id, SyncState: StateFailed, SyncAttempts: 3}
			}
			handler := newTestAPI(t, store, &fakeTriggerer{}, nil)

			rec := doJSON(t, handler, http.MethodPost, "/v1/captures/"+id.String()+"/retry", nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestTriggerEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		status   TriggerStatus
		err      error
		wantCode int
	}{
		{"started", TriggerStarted, nil, http.StatusAccepted},
		{"already running", TriggerAlreadyRunning, nil, http.StatusOK},
		{"backend error", TriggerError, errors.New("redis unreachable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeTriggerer{status: tt.status, err: tt.err}
			handler := newTestAPI(t, newFakeAdminStore(), sched, nil)

			for _, path := range []string{"/v1/sync/trigger", "/v1/cleanup/trigger"} {
				rec := doJSON(t, handler, http.MethodPost, path, nil)
				if rec.Code != tt.wantCode {
					t.Errorf("%s status = %d, want %d", path, rec.Code, tt.wantCode)
				}
			}
			if len(sched.jobs) != 2 || sched.jobs[0] != "sync" || sched.jobs[1] != "cleanup" {
				t.Errorf("triggered jobs = %v, want [sync cleanup]", sched.jobs)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	store := newFakeAdminStore()
	store.stats = Stats{
		Counts:     map[SyncState]int64{StatePending: 4, StateSynced: 10},
		TotalBytes: 4096,
	}
	handler := newTestAPI(t, store, &fakeTriggerer{}, nil)

	rec := doJSON(t, handler, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Counts[StatePending] != 4 || got.TotalBytes != 4096 {
		t.Errorf("stats = %+v", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		probes   []Probe
		wantCode int
	}{
		{"healthy", []Probe{probeReturning("local_store", StatusDown, nil)}, http.StatusOK},
		{"degraded still serves", []Probe{probeReturning("remote_store", StatusDegraded, errors.New("offline"))}, http.StatusOK},
		{"down", []Probe{probeReturning("local_store", StatusDown, errors.New("gone"))}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestAPI(t, newFakeAdminStore(), &fakeTriggerer{}, tt.probes)

			rec := doJSON(t, handler, http.MethodGet, "/v1/health", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}
