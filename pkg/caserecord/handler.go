package caserecord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"caseroom/pkg/bus"
	"caseroom/pkg/httpx"
	"caseroom/pkg/metrics"
)

// Feed receives a notification after every accepted update. Implementations
// deliver it to systems that are not holding a live connection.
type Feed interface {
	PublishUpdate(ctx context.Context, caseID, section string, version int64, updatedBy string) error
}

type updateRequest struct {
	Section string          `json:"section"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

// Handler exposes the case record over HTTP. Accepted updates are announced
// on the room channel so connected participants see them live, and on the
// feed for everything downstream.
type Handler struct {
	ctrl    *Controller
	bus     bus.Bus
	feed    Feed
	origin  string
	Metrics *metrics.Registry
}

func NewHandler(ctrl *Controller, b bus.Bus, feed Feed, origin string) *Handler {
	return &Handler{ctrl: ctrl, bus: b, feed: feed, origin: origin}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/cases/{caseID}", h.getCase)
	r.Patch("/v1/cases/{caseID}", h.patchCase)
}

func (h *Handler) getCase(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ctrl.Get(r.Context(), chi.URLParam(r, "caseID"))
	if errors.Is(err, ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		log.Printf("caserecord: get: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) patchCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req updateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Section == "" || len(req.Data) == 0 || req.Version < 0 {
		httpx.Error(w, http.StatusBadRequest, "section, data and version are required")
		return
	}
	updatedBy := r.Header.Get("X-Participant-ID")
	if updatedBy == "" {
		updatedBy = "unknown"
	}

	rec, err := h.ctrl.Update(r.Context(), caseID, req.Section, req.Data, req.Version, updatedBy)
	var conflict *VersionConflictError
	switch {
	case errors.As(err, &conflict):
		if h.Metrics != nil {
			h.Metrics.IncVersionConflict()
		}
		httpx.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":          "version conflict",
			"currentVersion": conflict.CurrentVersion,
			"currentState":   conflict.CurrentState,
		})
		return
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "case not found")
		return
	case err != nil:
		log.Printf("caserecord: update: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	h.announce(r.Context(), rec, req.Section)
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// announce is best effort: the update is already durable, and live clients
// can always re-fetch.
func (h *Handler) announce(ctx context.Context, rec Case, section string) {
	if h.bus != nil {
		evt := bus.NewEvent("case-updated", rec.CaseID, h.origin, rec)
		if err := h.bus.Publish(ctx, bus.RoomChannel(rec.CaseID), evt); err != nil {
			log.Printf("caserecord: room announce %s: %v", rec.CaseID, err)
		}
	}
	if h.feed != nil {
		if err := h.feed.PublishUpdate(ctx, rec.CaseID, section, rec.Version, rec.UpdatedBy); err != nil {
			log.Printf("caserecord: feed announce %s: %v", rec.CaseID, err)
		}
	}
}
