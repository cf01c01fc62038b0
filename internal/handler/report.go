package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/disasterwatch/internal/middleware"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/storage"
	"github.com/disasterwatch/internal/ws"
)

// ReportHandler is the thin REST surface over the realtime core. Reads come
// from the durable report store; writes are injected into the hub so they
// broadcast to every connected client exactly like a WebSocket submission.
type ReportHandler struct {
	hub   *ws.Hub
	store storage.ReportStore
}

func NewReportHandler(hub *ws.Hub, store storage.ReportStore) *ReportHandler {
	return &ReportHandler{hub: hub, store: store}
}

// List возвращает последние отчёты (limit, по умолчанию 100).
func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	reports, err := h.store.ListReports(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := h.store.GetReport(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Create accepts a report over REST and routes it through the hub, so every
// realtime client receives the new_report broadcast.
func (h *ReportHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rep model.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report body")
		return
	}
	if rep.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if rep.UserID == "" {
		rep.UserID = middleware.GetUserID(r.Context())
	}
	stored, err := h.hub.InjectSubmit(r.Context(), rep)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report intake unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// Respond attaches an admin response (status, position, route, ETA) to an
// existing report. The change broadcasts as report_updated.
func (h *ReportHandler) Respond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var resp model.AdminResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid response body")
		return
	}
	if model.StatusForAdminResponse(resp.AdminResponse) == "" {
		writeError(w, http.StatusBadRequest, "kind must be en_route or on_site")
		return
	}
	if resp.AdminID == "" {
		resp.AdminID = middleware.GetUserID(r.Context())
	}
	updated, ok, err := h.hub.InjectUpdate(r.Context(), ws.UpdateReportPayload{
		ReportID: id,
		Admin:    &resp,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report intake unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Update mutates status/notes over REST, mirroring the update_report event.
func (h *ReportHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p ws.UpdateReportPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update body")
		return
	}
	p.ReportID = id
	p.Admin = nil
	if p.Status != "" && !model.ValidStatus(p.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	updated, ok, err := h.hub.InjectUpdate(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report intake unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
