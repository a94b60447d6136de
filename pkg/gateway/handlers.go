package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"MediaCache/pkg/segstore"
	xx "github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type ObjectStore interface {
	Put(ctx context.Context, id string, tier segstore.Tier, data []byte) error
	Append(ctx context.Context, id string, tier segstore.Tier, data []byte) error
	Get(ctx context.Context, id string, tier segstore.Tier) ([]byte, error)
	Stat(ctx context.Context, id string, tier segstore.Tier) (segstore.Info, error)
	Delete(ctx context.Context, id string, tier segstore.Tier) error
	Clear(ctx context.Context, tier segstore.Tier) error
}

type Handler struct {
	R       *chi.Mux
	Store   ObjectStore
	MaxBody int64
	log     zerolog.Logger
}

func NewHandler(store ObjectStore, maxBody int64, log zerolog.Logger) *Handler {
	h := &Handler{R: chi.NewRouter(), Store: store, MaxBody: maxBody, log: log}
	h.R.Put("/v1/objects/{tier}/{id}", h.putObject)
	h.R.Post("/v1/objects/{tier}/{id}", h.appendObject)
	h.R.Get("/v1/objects/{tier}/{id}", h.getObject)
	h.R.Head("/v1/objects/{tier}/{id}", h.headObject)
	h.R.Delete("/v1/objects/{tier}/{id}", h.deleteObject)
	h.R.Delete("/v1/tiers/{tier}", h.clearTier)
	return h
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (string, segstore.Tier, bool) {
	tier, err := segstore.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		h.fail(w, r, err)
		return "", 0, false
	}
	return chi.URLParam(r, "id"), tier, true
}

func (h *Handler) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if h.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return b, true
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request) {
	id, tier, ok := h.target(w, r)
	if !ok {
		return
	}
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	if err := h.Store.Put(r.Context(), id, tier, body); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(body))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) appendObject(w http.ResponseWriter, r *http.Request) {
	id, tier, ok := h.target(w, r)
	if !ok {
		return
	}
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	if err := h.Store.Append(r.Context(), id, tier, body); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	id, tier, ok := h.target(w, r)
	if !ok {
		return
	}
	b, err := h.Store.Get(r.Context(), id, tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tag := etag(b)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("ETag", tag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handler) headObject(w http.ResponseWriter, r *http.Request) {
	id, tier, ok := h.target(w, r)
	if !ok {
		return
	}
	info, err := h.Store.Stat(r.Context(), id, tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("X-Segment-Count", strconv.Itoa(info.Segments))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	id, tier, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.Store.Delete(r.Context(), id, tier); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearTier(w http.ResponseWriter, r *http.Request) {
	tier, err := segstore.ParseTier(chi.URLParam(r, "tier"))
	if err == nil {
		err = h.Store.Clear(r.Context(), tier)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail 把存储错误映射为 HTTP 状态码。调用方把 404/409 都当作“未缓存，需要重新下载”。
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var we *segstore.SegmentWriteError
	switch {
	case errors.Is(err, segstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, segstore.ErrIncompleteObject):
		status = http.StatusConflict
	case errors.Is(err, segstore.ErrUnknownTier), errors.Is(err, segstore.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.As(err, &we):
		w.Header().Set("X-Last-Segment", strconv.Itoa(we.LastWritten))
	}
	if status >= 500 {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func etag(b []byte) string {
	return fmt.Sprintf("\"xxh64-%016x\"", xx.Sum64(b))
}
