package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/rocade/internal/assets"
)

// ImageCache resolves an image id to a cached local file.
type ImageCache interface {
	Ensure(ctx context.Context, kind assets.Kind, imageID string) (string, error)
}

// AssetsHandler serves cached cover and artwork images.
type AssetsHandler struct {
	cache ImageCache
}

// NewAssetsHandler creates a new AssetsHandler.
func NewAssetsHandler(cache ImageCache) *AssetsHandler {
	return &AssetsHandler{cache: cache}
}

// GetImage handles GET /api/assets/{kind}/{image_id}
func (h *AssetsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := assets.ParseKind(vars["kind"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	path, err := h.cache.Ensure(r.Context(), kind, vars["image_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Image ids are immutable upstream.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}
