package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTTLSeconds = 300
	maxTTLSeconds     = 3600
)

// Presigner issues time-limited download URLs for stored inventories.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type presignHandler struct {
	bucket    string
	presigner Presigner
}

func (p *presignHandler) inventoryURL(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" || strings.HasSuffix(key, "/") {
		respondError(w, http.StatusBadRequest, errors.New("missing key query parameter"))
		return
	}

	ttlSeconds := defaultTTLSeconds
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid ttl"))
			return
		}
		ttlSeconds = min(parsed, maxTTLSeconds)
	}

	url, err := p.presigner.PresignGet(r.Context(), p.bucket, key, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("presign failed"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in": ttlSeconds})
}
