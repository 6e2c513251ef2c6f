package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/kimhsiao/rocade/internal/assets"
	"github.com/kimhsiao/rocade/internal/errors"
)

type fakeImageCache struct {
	dir   string
	calls []string
	err   error
}

func (f *fakeImageCache) Ensure(ctx context.Context, kind assets.Kind, imageID string) (string, error) {
	f.calls = append(f.calls, string(kind)+"/"+imageID)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, imageID+".jpg")
	return path, os.WriteFile(path, []byte("jpeg"), 0o644)
}

func TestGetImage(t *testing.T) {
	cache := &fakeImageCache{dir: t.TempDir()}
	h := NewAssetsHandler(cache)

	w := serve(h.GetImage, http.MethodGet, "/api/assets/cover/co1wyy", map[string]string{"kind": "cover", "image_id": "co1wyy"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "jpeg" {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc == "" {
		t.Error("Cache-Control not set")
	}
	if len(cache.calls) != 1 || cache.calls[0] != "covers/co1wyy" {
		t.Errorf("calls = %v", cache.calls)
	}
}

func TestGetImage_unknownKind(t *testing.T) {
	cache := &fakeImageCache{dir: t.TempDir()}
	h := NewAssetsHandler(cache)

	w := serve(h.GetImage, http.MethodGet, "/api/assets/screenshot/x", map[string]string{"kind": "screenshot", "image_id": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(cache.calls) != 0 {
		t.Errorf("cache called for an unknown kind: %v", cache.calls)
	}
}

func TestGetImage_upstreamMissing(t *testing.T) {
	h := NewAssetsHandler(&fakeImageCache{err: errors.New(errors.ErrNotFound, "image not found upstream")})

	w := serve(h.GetImage, http.MethodGet, "/api/assets/artworks/ar1", map[string]string{"kind": "artworks", "image_id": "ar1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if code, _ := decodeError(t, w); code != string(errors.ErrNotFound) {
		t.Errorf("code = %s", code)
	}
}
