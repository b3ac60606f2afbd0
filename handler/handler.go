// Package handler provides the HTTP surface of the CRM sync server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stevemurr/crm-sync-server/events"
	"github.com/stevemurr/crm-sync-server/manager"
	"github.com/stevemurr/crm-sync-server/record"
	"github.com/stevemurr/crm-sync-server/schema"
	"github.com/stevemurr/crm-sync-server/seed"
)

// watchBuffer is the per-client backlog of the event stream before events
// are dropped.
const watchBuffer = 64

// Handler holds the server dependencies and registers routes.
type Handler struct {
	mgr      *manager.Manager
	schemas  *schema.Registry
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	mux      *http.ServeMux
}

// New creates a Handler and wires up all routes. gatherer may be nil, in
// which case /metrics is not served.
func New(mgr *manager.Manager, schemas *schema.Registry, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		mgr:      mgr,
		schemas:  schemas,
		gatherer: gatherer,
		logger:   logger.Named("http"),
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler. Every request is logged once it
// completes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	h.logger.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	)
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)
	if h.gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	// --- Collections ---
	h.mux.HandleFunc("GET /collections", h.listCollections)
	h.mux.HandleFunc("GET /collections/{collection}/items", h.queryItems)
	h.mux.HandleFunc("GET /collections/{collection}/items/since/{timestamp}", h.itemsSince)
	h.mux.HandleFunc("GET /collections/{collection}/items/{id}", h.getItem)
	h.mux.HandleFunc("POST /collections/{collection}/items", h.createItem)
	h.mux.HandleFunc("PATCH /collections/{collection}/items/{id}", h.updateItem)
	h.mux.HandleFunc("DELETE /collections/{collection}/items/{id}", h.deleteItem)
	h.mux.HandleFunc("POST /collections/{collection}/bulk", h.bulk)

	// --- Singletons ---
	h.mux.HandleFunc("GET /singletons/{name}", h.getSingleton)
	h.mux.HandleFunc("PATCH /singletons/{name}", h.updateSingleton)

	// --- Sync and change feed ---
	h.mux.HandleFunc("POST /sync", h.sync)
	h.mux.HandleFunc("GET /events/{name}", h.streamEvents)

	// --- Schema endpoints ---
	h.mux.HandleFunc("GET /schemas", h.listSchemas)
	h.mux.HandleFunc("GET /schemas/{collection}", h.getSchema)
	h.mux.HandleFunc("PUT /schemas/{collection}", h.putSchema)
	h.mux.HandleFunc("DELETE /schemas/{collection}", h.deleteSchema)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseISO(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Try without timezone
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %s", s)
}

// statusFor maps manager, schema and context errors to HTTP statuses.
func statusFor(err error) int {
	var ve *schema.ValidationError
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidRecord), errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, manager.ErrInvalidCollection):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrRemoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	var be *manager.BatchError
	if errors.As(err, &be) {
		writeJSON(w, statusFor(be.Err), map[string]any{
			"detail":  err.Error(),
			"index":   be.Index,
			"applied": be.Applied,
		})
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       "CRM Sync Server",
		"state":         h.mgr.State().String(),
		"usingMockData": h.mgr.UsingMockData(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.mgr.State() != manager.StateReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": h.mgr.State().String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- collections ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Collections())
}

func (h *Handler) queryItems(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page := h.mgr.Get(r.PathValue("collection"), q)
	if page.Data == nil {
		page.Data = []record.Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) itemsSince(w http.ResponseWriter, r *http.Request) {
	since, err := parseISO(r.PathValue("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp format")
		return
	}
	result := []record.Record{}
	for _, rec := range h.mgr.Get(r.PathValue("collection"), manager.Query{}).Data {
		if ts, ok := rec[record.FieldUpdatedAt].(string); ok {
			t, err := parseISO(ts)
			if err == nil && t.After(since) {
				result = append(result, rec)
			}
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")
	rec, ok := h.mgr.GetByID(collection, id)
	if !ok {
		writeFailure(w, &manager.NotFoundError{Collection: collection, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var incoming record.Record
	if err := readJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.schemas.Check(r.Context(), collection, incoming, false); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "schema validation failed: "+err.Error())
		return
	}
	rec, err := h.mgr.Create(r.Context(), collection, incoming)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var patch record.Record
	if err := readJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.schemas.Check(r.Context(), collection, patch, true); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "schema validation failed: "+err.Error())
		return
	}
	rec, err := h.mgr.Update(r.Context(), collection, r.PathValue("id"), patch)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.Delete(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type bulkRequest struct {
	Create []record.Record `json:"create"`
	Update []manager.Patch `json:"update"`
	Delete []string        `json:"delete"`
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var req bulkRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ops := 0
	for _, present := range []bool{req.Create != nil, req.Update != nil, req.Delete != nil} {
		if present {
			ops++
		}
	}
	if ops != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of create, update or delete is required")
		return
	}

	ctx := r.Context()
	var (
		out []record.Record
		err error
	)
	switch {
	case req.Create != nil:
		for i, item := range req.Create {
			if verr := h.schemas.Check(ctx, collection, item, false); verr != nil {
				writeFailure(w, &manager.BatchError{Op: "create", Index: i, Err: verr})
				return
			}
		}
		out, err = h.mgr.BulkCreate(ctx, collection, req.Create)
	case req.Update != nil:
		for i, p := range req.Update {
			if verr := h.schemas.Check(ctx, collection, p.Data, true); verr != nil {
				writeFailure(w, &manager.BatchError{Op: "update", Index: i, Err: verr})
				return
			}
		}
		out, err = h.mgr.BulkUpdate(ctx, collection, req.Update)
	default:
		out, err = h.mgr.BulkDelete(ctx, collection, req.Delete)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// ---------- singletons ----------

func (h *Handler) getSingleton(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := h.mgr.Singleton(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no singleton %q", name))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) updateSingleton(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !seed.IsSingleton(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no singleton %q", name))
		return
	}
	var patch record.Record
	if err := readJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.schemas.Check(r.Context(), name, patch, true); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "schema validation failed: "+err.Error())
		return
	}
	rec, err := h.mgr.UpdateSingleton(r.Context(), name, patch)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------- sync and change feed ----------

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.SyncWithRemote(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "synced",
		"collections": h.mgr.Collections(),
	})
}

// streamEvents relays one event name as server-sent events until the
// client goes away. A client that falls behind loses events rather than
// slowing down writers.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	name := events.Name(r.PathValue("name"))
	bus := h.mgr.Events()
	ch, sub := bus.Watch(name, watchBuffer)
	defer bus.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream cannot flush", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event encode failed", zap.String("event", string(ev.Name)), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// ---------- schema endpoints ----------

func (h *Handler) listSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schemas.All(r.Context()))
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	s, ok := h.schemas.Get(r.Context(), collection)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no schema for collection %q", collection))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) putSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var s map[string]any
	if err := readJSON(r, &s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.schemas.Put(r.Context(), collection, s); err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "invalid schema: "+err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) deleteSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	existed, err := h.schemas.Delete(r.Context(), collection)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no schema for collection %q", collection))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "collection": collection})
}

// ---------- response recording ----------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
