package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// Handler exposes a Service over HTTP: plain JSON request bodies, one
// JSON value per line for the streaming watch endpoint, no framework —
// the route set is small and static.
type Handler struct {
	svc *Service
	mux *http.ServeMux
}

func NewHandler(svc *Service) *Handler {
	h := &Handler{svc: svc, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/persistent", h.handleCreatePersistent)
	h.mux.HandleFunc("POST /v1/ephemeral", h.handleCreateEphemeral)
	h.mux.HandleFunc("POST /v1/sessions/heartbeat", h.handleHeartbeat)
	h.mux.HandleFunc("POST /v1/sessions/close", h.handleSessionClose)
	h.mux.HandleFunc("PUT /v1/nodes", h.handleSet)
	h.mux.HandleFunc("GET /v1/nodes", h.handleGet)
	h.mux.HandleFunc("GET /v1/children", h.handleChildren)
	h.mux.HandleFunc("GET /v1/watch", h.handleWatch)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type createPersistentRequest struct {
	Path       string `json:"path"`
	Payload    []byte `json:"payload"`
	Idempotent bool   `json:"idempotent"`
}

func (h *Handler) handleCreatePersistent(w http.ResponseWriter, r *http.Request) {
	var req createPersistentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.CreatePersistent(req.Path, req.Payload, req.Idempotent); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createEphemeralRequest struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Payload []byte `json:"payload"`
}

func (h *Handler) handleCreateEphemeral(w http.ResponseWriter, r *http.Request) {
	var req createEphemeralRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.CreateEphemeral(req.Session, req.Path, req.Payload); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type heartbeatRequest struct {
	Session string `json:"session"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Touch(req.Session); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.svc.DeleteEphemeralBySession(req.Session); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type setRequest struct {
	Path    string `json:"path"`
	Payload []byte `json:"payload"`
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	version, err := h.svc.Set(req.Path, req.Payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]int64{"version": version})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	n, err := h.svc.Get(p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, n)
}

func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	nodes, err := h.svc.Children(p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, nodes)
}

// handleWatch streams one JSON ChangeEvent per line for as long as the
// client keeps the connection open. The client is responsible for
// reconnecting on stream close. With updates=false, data rewrites of
// existing nodes are filtered out and only create/delete events are
// streamed — a children watch wants membership changes, not every
// state announcement a registered processor makes.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	includeUpdates := r.URL.Query().Get("updates") != "false"
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot, changes, err := h.svc.Subscribe(ctx, prefix)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, n := range snapshot {
		_ = enc.Encode(watchFrame{Snapshot: &n})
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if ev.Kind == ChangeUpdated && !includeUpdates {
				continue
			}
			if err := enc.Encode(watchFrame{Change: &ev}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type watchFrame struct {
	Snapshot *Node        `json:"snapshot,omitempty"`
	Change   *ChangeEvent `json:"change,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsAlreadyExists(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errdefs.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
