package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sifter/pkg/telemetry"
)

const (
	serviceName     = "sifter-catalog"
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// Reader is the query side of the catalog.
type Reader interface {
	Ping(ctx context.Context) error
	Record(ctx context.Context, host, path string) (StoredRecord, bool, error)
	ByDigest(ctx context.Context, digest string) ([]StoredRecord, error)
	Runs(ctx context.Context, limit int) ([]Run, error)
}

// RouterOptions configures Router. Presigner and Bucket enable
// /v1/inventories/url when both are set.
type RouterOptions struct {
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
	Presigner Presigner
	Bucket    string
}

// Router exposes health, metrics and read-only catalog queries.
func Router(store Reader, opts RouterOptions) http.Handler {
	logger := opts.Logger
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	h := &handlers{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(serviceName, logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/records", h.record)
		r.Get("/digests/{digest}", h.byDigest)
		r.Get("/runs", h.runs)
		if opts.Presigner != nil && opts.Bucket != "" {
			p := &presignHandler{bucket: opts.Bucket, presigner: opts.Presigner}
			r.Get("/inventories/url", p.inventoryURL)
		}
	})

	return r
}

type handlers struct {
	store  Reader
	logger zerolog.Logger
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handlers) record(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path query parameter is required"))
		return
	}
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	rec, ok, err := h.store.Record(r.Context(), host, path)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("record not found"))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *handlers) byDigest(w http.ResponseWriter, r *http.Request) {
	digest := strings.ToLower(chi.URLParam(r, "digest"))
	if !isHexDigest(digest) {
		respondError(w, http.StatusBadRequest, errors.New("digest must be 64 hex characters"))
		return
	}
	recs, err := h.store.ByDigest(r.Context(), digest)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if recs == nil {
		recs = []StoredRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"digest": digest, "records": recs})
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRunLimit)
	}
	runs, err := h.store.Runs(r.Context(), limit)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error().Ctx(r.Context()).Err(err).Str("path", r.URL.Path).Msg("catalog query")
	respondError(w, http.StatusInternalServerError, errors.New("internal error"))
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
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
