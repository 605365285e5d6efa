package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agenthands/blobnet/internal/testkit"
	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/node"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newNode(t *testing.T, net *transport.MemNetwork) *node.Node {
	t.Helper()
	cfg := core.DefaultConfig(t.TempDir())
	cfg.Chunking = core.ChunkingConfig{Min: 256, Avg: 1024, Max: 4096}
	cfg.DHT.Mode = core.DHTModeServer
	cfg.DHT.RoundTimeout = 2 * time.Second
	cfg.Exchange.WantTimeout = 2 * time.Second

	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	n, err := node.New(cfg,
		node.WithIdentity(ident),
		node.WithTransport(net.Listen(ident.ID)),
		node.WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestBlockPutGetStat(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 0, nil, zap.NewNop())

	rec := do(t, api, http.MethodPost, "/api/v0/block/put", strings.NewReader("hello"), "application/octet-stream")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	want := cidutil.Identify([]byte("hello")).String()
	assert.Equal(t, want, decode(t, rec)["Key"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, api, http.MethodGet, "/api/v0/block/get/"+want, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = do(t, api, http.MethodGet, "/api/v0/block/stat/"+want, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["Size"])
}

func TestBlockPutErrors(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 16, nil, zap.NewNop())

	rec := do(t, api, http.MethodPost, "/api/v0/block/put", strings.NewReader(strings.Repeat("x", 17)), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodPost, "/api/v0/block/put?format=protobuf", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodGet, "/api/v0/block/get/not-a-cid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec), "error")
}

func TestBlockGetMissing(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 0, nil, zap.NewNop())

	missing := cidutil.Identify(testkit.RandomBytes(testkit.RNG(7), 32))
	rec := do(t, api, http.MethodGet, "/api/v0/block/get/"+missing.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddCatAndGateway(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 0, nil, zap.NewNop())
	gw := NewGateway(n, zap.NewNop())

	data := testkit.RandomBytes(testkit.RNG(3), 20_000)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := do(t, api, http.MethodPost, "/api/v0/add", &body, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	root, _ := out["Hash"].(string)
	require.NotEmpty(t, root)
	assert.EqualValues(t, len(data), out["Size"])

	rec = do(t, api, http.MethodGet, "/api/v0/cat/"+root, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	rec = do(t, gw, http.MethodGet, "/ipfs/"+root, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "/ipfs/"+root, rec.Header().Get("X-Ipfs-Path"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	etag := rec.Header().Get("Etag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+root, nil)
	req.Header.Set("If-None-Match", etag)
	cached := httptest.NewRecorder()
	gw.ServeHTTP(cached, req)
	assert.Equal(t, http.StatusNotModified, cached.Code)

	rec = do(t, gw, http.MethodHead, "/ipfs/"+root, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestGatewayRawBlockContentType(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 0, nil, zap.NewNop())
	gw := NewGateway(n, zap.NewNop())

	rec := do(t, api, http.MethodPost, "/api/v0/block/put", strings.NewReader("<html><body>hi</body></html>"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	key := decode(t, rec)["Key"].(string)

	rec = do(t, gw, http.MethodGet, "/ipfs/"+key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
}

func TestPinLifecycle(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	api := NewAPI(n, 0, nil, zap.NewNop())

	rec := do(t, api, http.MethodPost, "/api/v0/add?pin=false", strings.NewReader("pin me"), "text/plain")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	root := decode(t, rec)["Hash"].(string)

	rec = do(t, api, http.MethodPost, "/api/v0/pin/add/"+root, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, api, http.MethodGet, "/api/v0/pin/ls", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	keys := decode(t, rec)["Keys"].(map[string]any)
	require.Contains(t, keys, root)
	assert.Equal(t, "recursive", keys[root].(map[string]any)["Type"])

	rec = do(t, api, http.MethodPost, "/api/v0/repo/gc", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["Removed"])

	rec = do(t, api, http.MethodPost, "/api/v0/pin/rm/"+root, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api, http.MethodPost, "/api/v0/repo/gc", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, decode(t, rec)["Removed"].(float64), float64(0))

	rec = do(t, api, http.MethodGet, "/api/v0/cat/"+root, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvideFindProviders(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	require.NoError(t, b.Bootstrap(context.Background(), []peer.AddrInfo{a.AddrInfo()}))
	apiA := NewAPI(a, 0, nil, zap.NewNop())
	apiB := NewAPI(b, 0, nil, zap.NewNop())

	rec := do(t, apiA, http.MethodPost, "/api/v0/block/put", strings.NewReader("shared"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	key := decode(t, rec)["Key"].(string)

	rec = do(t, apiA, http.MethodPost, "/api/v0/dht/provide/"+key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, apiB, http.MethodGet, "/api/v0/dht/findprovs/"+key+"?num-providers=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	provs := decode(t, rec)["Providers"].([]any)
	require.Len(t, provs, 1)
	assert.Equal(t, a.ID().String(), provs[0].(map[string]any)["ID"])

	rec = do(t, apiB, http.MethodGet, "/api/v0/block/get/"+key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shared", rec.Body.String())

	rec = do(t, apiB, http.MethodGet, "/api/v0/dht/findprovs/"+key+"?num-providers=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "blobnet_test_total"}))

	rec := do(t, NewHealth(n, zap.NewNop()), http.MethodGet, "/healthcheck", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Contains(t, out, "peerCount")
	assert.Contains(t, out, "storedBlocks")

	rec = do(t, NewAPI(n, 0, reg, zap.NewNop()), http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blobnet_test_total")
}

func TestRequestIDIsEchoed(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	NewHealth(n, zap.NewNop()).ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", core.ErrNotFound), http.StatusNotFound},
		{core.ErrInvalidInput, http.StatusBadRequest},
		{core.ErrIntegrity, http.StatusUnprocessableEntity},
		{core.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{core.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestServerLifecycle(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork())
	s := NewServer("health", "127.0.0.1:0", NewHealth(n, zap.NewNop()), zap.NewNop())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthcheck")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
