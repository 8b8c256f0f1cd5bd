package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	jobSync    = "sync"
	jobCleanup = "cleanup"
)

// adminStore is the slice of the capture store the HTTP layer needs.
type adminStore interface {
	CreateCapture(ctx context.Context, c Capture) (Capture, error)
	GetCapture(ctx context.Context, id uuid.UUID) (Capture, error)
	RetryCapture(ctx context.Context, id uuid.UUID) (Capture, error)
	Stats(ctx context.Context) (Stats, error)
}

// triggerer runs a named job outside its cadence. Satisfied by *Scheduler.
type triggerer interface {
	Trigger(ctx context.Context, name string) (TriggerStatus, error)
}

// API wires store, scheduler, and health checker into HTTP handlers.
type API struct {
	store   adminStore
	sched   triggerer
	checker *Checker
}

// NewAPI initialises the HTTP layer.
func NewAPI(store adminStore, sched triggerer, checker *Checker) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if checker == nil {
		return nil, errors.New("health checker is required")
	}
	return &API{store: store, sched: sched, checker: checker}, nil
}

// Routes constructs the chi router containing all intake endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/captures", a.handleCreateCapture)
		r.Get("/captures/{id}", a.handleGetCapture)
		r.Post("/captures/{id}/retry", a.handleRetryCapture)
		r.Post("/sync/trigger", a.handleTrigger(jobSync))
		r.Post("/cleanup/trigger", a.handleTrigger(jobCleanup))
		r.Get("/stats", a.handleStats)
		r.Get("/health", a.handleHealth)
	})

	return r
}

func (a *API) handleCreateCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        uuid.UUID         `json:"id"`
		Phone     string            `json:"phone"`
		Email     string            `json:"email"`
		LocalPath string            `json:"local_path"`
		SizeBytes int64             `json:"size_bytes"`
		Meta      datatypes.JSONMap `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.LocalPath = strings.TrimSpace(req.LocalPath)
	if req.LocalPath == "" {
		respondError(w, http.StatusBadRequest, errors.New("local_path is required"))
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.SizeBytes <= 0 {
		if info, err := os.Stat(req.LocalPath); err == nil {
			req.SizeBytes = info.Size()
		}
	}

	capture, err := a.store.CreateCapture(r.Context(), Capture{
		ID:        req.ID,
		Phone:     strings.TrimSpace(req.Phone),
		Email:     strings.TrimSpace(req.Email),
		LocalPath: req.LocalPath,
		SizeBytes: req.SizeBytes,
		Meta:      req.Meta,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateID) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"capture": capture})
}

func (a *API) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid capture id is required"))
		return
	}

	capture, err := a.store.GetCapture(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"capture": capture})
}

func (a *API) handleRetryCapture(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid capture id is required"))
		return
	}

	capture, err := a.store.RetryCapture(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respondError(w, http.StatusNotFound, err)
		case errors.Is(err, ErrInvalidState):
			respondError(w, http.StatusConflict, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"capture": capture})
}

// handleTrigger answers immediately with the firing status; it never blocks
// on job completion.
func (a *API) handleTrigger(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := a.sched.Trigger(r.Context(), job)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]any{
				"status": TriggerError,
				"error":  err.Error(),
			})
			return
		}

		code := http.StatusAccepted
		if status == TriggerAlreadyRunning {
			code = http.StatusOK
		}
		respondJSON(w, code, map[string]any{"status": status})
	}
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.checker.Snapshot(r.Context())

	code := http.StatusOK
	if snap.Overall == StatusDown {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, snap)
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
