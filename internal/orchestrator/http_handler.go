package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/repository"
)

const maxUploadBytes = 64 << 20

// Handler exposes the orchestrator operations over HTTP.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service for mounting on a mux.
func NewHTTPHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the API routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingestions", h.handleStart)
	mux.HandleFunc("GET /api/ingestions", h.handleList)
	mux.HandleFunc("GET /api/ingestions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/ingestions/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/ingestions/{id}/decisions", h.handleDecisions)
	mux.HandleFunc("POST /api/ingestions/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /api/ingestions/{id}/output", h.handleOutputFetch)
	mux.HandleFunc("POST /api/schemas", h.handleCreateSchema)
	mux.HandleFunc("GET /api/schemas", h.handleListSchemas)
	mux.HandleFunc("GET /api/schemas/{id}", h.handleGetSchema)
	mux.HandleFunc("DELETE /api/schemas/{id}", h.handleDeleteSchema)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	var schemaID *uuid.UUID
	if raw := strings.TrimSpace(r.FormValue("schemaId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid schema id: %v", err), http.StatusBadRequest)
			return
		}
		schemaID = &id
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	ing, err := h.service.StartIngestion(r.Context(), header.Filename, data, schemaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ing)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	ingestions, err := h.service.ListIngestions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestions)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ing, err := h.service.GetIngestion(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ing)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteIngestion(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var stage *domain.Stage
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		s := domain.Stage(raw)
		stage = &s
	}
	entries, err := h.service.ListDecisions(r.Context(), id, stage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type resumePayload struct {
	Decisions []domain.ReviewDecision `json:"decisions"`
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var payload resumePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	ing, err := h.service.ResumeReview(r.Context(), id, payload.Decisions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ing)
}

func (h *Handler) handleOutputFetch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	data, contentType, err := h.service.FetchOutput(r.Context(), id, format)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload struct {
		Name        string                    `json:"name"`
		Description string                    `json:"description"`
		Columns     []domain.ColumnDefinition `json:"columns"`
		ErrorPolicy domain.ErrorPolicy        `json:"errorPolicy"`
		Strict      bool                      `json:"strict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	schema := domain.NewCanonicalSchema(payload.Name, payload.Description, payload.Columns, payload.ErrorPolicy, payload.Strict)
	created, err := h.service.CreateSchema(r.Context(), schema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.service.ListSchemas(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (h *Handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	schema, err := h.service.GetSchema(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteSchema(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid id: %v", err), http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotAwaitingReview), errors.Is(err, ErrNotComplete):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrBadDecisions), errors.Is(err, ErrUnknownFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
