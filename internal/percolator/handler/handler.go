// Package handler serves percolator registration and lookup over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/logger"
)

// maxBodyBytes bounds a registered document.
const maxBodyBytes = 1 << 20

// Service is the part of *percolator.Engine the handler serves.
type Service interface {
	Register(ctx context.Context, id string, source []byte) (index.Record, error)
	Get(ctx context.Context, id string) (*percolator.StoredQuery, error)
	Search(term extract.Term) ([]string, error)
	Unknown() ([]string, error)
}

// RegisterResponse is returned for an accepted document.
type RegisterResponse struct {
	ID       string `json:"id"`
	Terms    int    `json:"terms"`
	Unknown  bool   `json:"unknown"`
	BlobSize int    `json:"blob_size"`
}

// QueryResponse describes a stored record.
type QueryResponse struct {
	ID      string   `json:"id"`
	Query   string   `json:"query"`
	Terms   []string `json:"terms"`
	Unknown bool     `json:"unknown"`
}

// SearchResponse lists the ids of candidate queries.
type SearchResponse struct {
	Total int      `json:"total"`
	IDs   []string `json:"ids"`
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service) *Handler {
	return &Handler{
		service: service,
		logger:  logger.WithComponent("percolator-handler"),
	}
}

// Routes registers the percolator endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/percolator", h.Create)
	mux.HandleFunc("GET /api/v1/percolator/_search", h.Search)
	mux.HandleFunc("PUT /api/v1/percolator/{id}", h.Put)
	mux.HandleFunc("GET /api/v1/percolator/{id}", h.Get)
}

// Create registers the body under a generated id.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, uuid.NewString(), http.StatusCreated)
}

// Put registers the body under the id in the path, replacing any earlier
// query with that id.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, r.PathValue("id"), http.StatusOK)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, id string, status int) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	rec, err := h.service.Register(ctx, id, body)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode >= http.StatusInternalServerError {
			log.Error("percolator registration failed",
				"doc_id", id,
				"error", err,
				"status_code", statusCode,
			)
			h.writeError(w, statusCode, "registration failed")
			return
		}
		h.writeError(w, statusCode, err.Error())
		return
	}
	h.writeJSON(w, status, RegisterResponse{
		ID:       rec.ID,
		Terms:    len(rec.Terms),
		Unknown:  rec.Unknown,
		BlobSize: len(rec.QueryBlob),
	})
}

// Get returns the stored query of the id in the path.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	stored, err := h.service.Get(ctx, id)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode >= http.StatusInternalServerError {
			logger.FromContext(ctx).Error("reading percolator query failed",
				"doc_id", id,
				"error", err,
			)
			h.writeError(w, statusCode, "reading percolator query failed")
			return
		}
		h.writeError(w, statusCode, err.Error())
		return
	}
	resp := QueryResponse{
		ID:      stored.Record.ID,
		Query:   query.String(stored.Query),
		Terms:   make([]string, 0, len(stored.Record.Terms)),
		Unknown: stored.Record.Unknown,
	}
	for _, raw := range stored.Record.Terms {
		if t, ok := extract.DecodeTerm(raw); ok {
			resp.Terms = append(resp.Terms, t.String())
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Search lists the queries indexed under field:value, or with unknown=true
// the queries that could not be reduced to terms.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	var (
		ids []string
		err error
	)
	if params.Get("unknown") == "true" {
		ids, err = h.service.Unknown()
	} else {
		field := params.Get("field")
		if field == "" {
			h.writeError(w, http.StatusBadRequest, "query parameter 'field' is required")
			return
		}
		ids, err = h.service.Search(extract.Term{Field: field, Value: []byte(params.Get("value"))})
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("percolator search failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "search failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, SearchResponse{Total: len(ids), IDs: ids})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
