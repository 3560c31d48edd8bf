package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	readTimeout      = 3 * time.Second
)

// CheckpointHandler exposes read-only checkpoint endpoints.
type CheckpointHandler struct {
	reader  CheckpointReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewCheckpointHandler wires the reader and logger.
func NewCheckpointHandler(reader CheckpointReader, logger *zap.Logger) *CheckpointHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointHandler{reader: reader, timeout: readTimeout, logger: logger}
}

type checkpointDTO struct {
	Source    string    `json:"source"`
	Key       string    `json:"key"`
	Cursor    string    `json:"cursor"`
	Until     time.Time `json:"until"`
	UpdatedAt time.Time `json:"updated_at"`
	Exhausted bool      `json:"exhausted"`
}

func toDTO(cp harvest.Checkpoint) checkpointDTO {
	return checkpointDTO{
		Source:    cp.Target.Source,
		Key:       cp.Target.Key,
		Cursor:    cp.Cursor,
		Until:     cp.Until.UTC(),
		UpdatedAt: cp.UpdatedAt.UTC(),
		Exhausted: cp.Exhausted(),
	}
}

// List handles GET /v1/checkpoints?source=&limit=&offset= and returns
// {"checkpoints": [...]} ordered by source and key.
func (h *CheckpointHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	source := strings.TrimSpace(r.URL.Query().Get("source"))
	cps, err := h.reader.List(ctx, source)
	if err != nil {
		h.logger.Error("List checkpoints failed", zap.String("source", source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	total := len(cps)
	start := min(offset, total)
	end := min(start+limit, total)
	out := make([]checkpointDTO, 0, end-start)
	for _, cp := range cps[start:end] {
		out = append(out, toDTO(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out, "total": total})
}

// Get handles GET /v1/checkpoints/{source}/{key}. It returns 404 when the
// store reports store.ErrNotFound.
func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	target := harvest.Target{Source: chi.URLParam(r, "source"), Key: chi.URLParam(r, "key")}
	if target.Source == "" || target.Key == "" {
		writeError(w, http.StatusBadRequest, "source and key are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cp, err := h.reader.Get(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		h.logger.Error("Get checkpoint failed", zap.String("target", target.ID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint": toDTO(cp)})
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxListLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
