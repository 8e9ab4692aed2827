package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "sector7g/pkg/logx"
)

func readyFn(ok bool) ReadyFunc {
	return func(context.Context) (any, bool) { return map[string]bool{"healthy": ok}, ok }
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadyz(t *testing.T) {
	s := New(Config{}, nil, readyFn(true), logx.Nop())
	rec := get(t, s.Handler(Config{}), "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy": true`)

	s = New(Config{}, nil, readyFn(false), logx.Nop())
	rec = get(t, s.Handler(Config{}), "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m")) })
	cfg := Config{Token: "s3cret"}
	h := New(cfg, metrics, nil, logx.Nop()).Handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestPprofOptIn(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(Config{}), "/debug/pprof/", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil).Code)
}

func TestDebugStateNeedsToken(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	s.SetState(func() any { return map[string]int{"busy": 2} })

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(Config{}), "/debug/state", nil).Code)

	cfg := Config{Token: "s3cret"}
	h := s.Handler(cfg)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/state", nil).Code)
	rec := get(t, h, "/debug/state", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"busy":2}`, rec.Body.String())
}

func TestLoopback(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))
	assert.False(t, isLoopbackAddr("garbage"))
}

func TestStartServesAndStops(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, nil, readyFn(true), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}
