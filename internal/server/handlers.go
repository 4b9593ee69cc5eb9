package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/fcsandbox/internal/pool"
	"github.com/michaelbrown/fcsandbox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// --- Sandbox handlers ---

type createSandboxResponse struct {
	ID     string `json:"vm_id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	id, err := s.pool.Create(r.Context())
	if err != nil {
		if errors.Is(err, pool.ErrPoolFull) || errors.Is(err, pool.ErrPoolClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, createSandboxResponse{ID: id, Status: "running"})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	info, ok := s.pool.Describe(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Destroy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type executeRequest struct {
	Code *string `json:"code"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == nil {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	resp, err := s.pool.Execute(r.Context(), chi.URLParam(r, "id"), *req.Code)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Journal handlers ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.Event{})
		return
	}
	opts := storage.EventListOptions{
		SandboxID: r.URL.Query().Get("sandbox"),
		Kind:      storage.EventKind(r.URL.Query().Get("kind")),
		Limit:     queryInt(r, "limit"),
	}

	events, err := s.store.ListEvents(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.Sandbox{})
		return
	}
	opts := storage.SandboxListOptions{
		Status: storage.SandboxStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	sandboxes, err := s.store.ListSandboxes(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sandboxes == nil {
		sandboxes = []storage.Sandbox{}
	}
	writeJSON(w, http.StatusOK, sandboxes)
}
