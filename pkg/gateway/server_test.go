package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"MediaCache/pkg/kv"
	"MediaCache/pkg/metrics"
	"MediaCache/pkg/segstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	var parts []string
	for _, p := range segstore.DefaultTiers() {
		parts = append(parts, p)
	}
	db, err := kv.Open(ctx, kv.NewMemoryBackend(), kv.Options{Name: "media", Version: 1, Partitions: parts})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	st, err := segstore.New(db, segstore.Options{MaxSegmentSize: 8, Metrics: metrics.New(reg)})
	require.NoError(t, err)
	srv := httptest.NewServer(New(NewHandler(st, 1024, zerolog.Nop()), reg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestObjectLifecycle(t *testing.T) {
	srv := newServer(t)
	url := srv.URL + "/v1/objects/80/av123"
	video := []byte("0123456789abcdefghijklmnopq")

	resp := do(t, http.MethodGet, srv.URL+"/livez", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, url, video)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tag := resp.Header.Get("ETag")
	require.NotEmpty(t, tag)

	resp = do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, tag, resp.Header.Get("ETag"))
	require.Equal(t, video, readAll(t, resp))

	resp = do(t, http.MethodHead, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "4", resp.Header.Get("X-Segment-Count"))

	resp = do(t, http.MethodPost, url, []byte("rs"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, url, nil)
	require.Equal(t, append(video, "rs"...), readAll(t, resp))

	resp = do(t, http.MethodDelete, url, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, url, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearTier(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPut, srv.URL+"/v1/objects/64/a", []byte("hello"))
	do(t, http.MethodPut, srv.URL+"/v1/objects/32/a", []byte("hello"))

	resp := do(t, http.MethodDelete, srv.URL+"/v1/tiers/64", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/v1/tiers/64", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/objects/64/a", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/v1/objects/32/a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodPut, srv.URL+"/v1/objects/hd/a", []byte("x"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPut, srv.URL+"/v1/objects/81/a", []byte("x"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/v1/tiers/7", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPut, srv.URL+"/v1/objects/80/big", bytes.Repeat([]byte{1}, 2048))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPut, srv.URL+"/v1/objects/16/a", []byte("hello"))
	resp := do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(readAll(t, resp)), `mediacache_operations_total{op="put",result="ok"} 1`))
}
