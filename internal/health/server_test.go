package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/openpai/pai-telemetry/internal/collector"
	"github.com/openpai/pai-telemetry/internal/errors"
	"github.com/openpai/pai-telemetry/internal/metric"
	"github.com/openpai/pai-telemetry/internal/observability"
)

type pendingList []string

func (p pendingList) Pending() []string { return p }

func newTestServer(t *testing.T, pending []string, debug bool) (*Server, *observability.Metrics, *errors.Reporter) {
	t.Helper()
	metrics := observability.NewMetrics()
	reporter := errors.NewReporter(clock.RealClock{}, metrics.ErrorsTotal)
	return NewServer(Config{Debug: debug}, metrics, pendingList(pending), reporter), metrics, reporter
}

func get(t *testing.T, srv *Server, path string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)

	resp := w.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{"gpu"}, false)

	resp, body := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name    string
		pending []string
		code    int
		body    string
	}{
		{"all synced", nil, http.StatusOK, `{"ready":true}`},
		{"collectors pending", []string{"container", "gpu"}, http.StatusServiceUnavailable, `{"ready":false,"pending":["container","gpu"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, tt.pending, false)

			resp, body := get(t, srv, "/readyz")
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.JSONEq(t, tt.body, string(body))
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetrics_ServesUnionAndSurvivesDuplicates(t *testing.T) {
	srv, metrics, _ := newTestServer(t, nil, false)

	gauge := metric.NewGauge("task_cpu_percent", "CPU usage.")
	gauge.Set(map[string]string{"container_id": "abc"}, 12.5)
	dup := metric.NewGauge("zombie_container_count", "Zombies.")
	dup.Set(nil, 1)

	metrics.Registry.MustRegister(collector.NewUnion(
		collector.NewStaticSource("a", metric.Build(gauge, dup)),
		collector.NewStaticSource("b", metric.Build(dup)),
	))

	resp, body := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `task_cpu_percent{container_id="abc"} 12.5`)
}

func TestDebugErrors(t *testing.T) {
	srv, _, reporter := newTestServer(t, nil, true)
	reporter.ReportKind(errors.KindCommand, "nvidia-smi", stderrors.New("exit status 9"))

	resp, body := get(t, srv, "/debug/errors")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var active []errors.ActiveError
	require.NoError(t, json.Unmarshal(body, &active))
	require.Len(t, active, 1)
	assert.Equal(t, errors.KindCommand, active[0].Kind)
	assert.Equal(t, "nvidia-smi", active[0].Component)
}

func TestDebugEndpointsDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, false)

	resp, _ := get(t, srv, "/debug/errors")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, false)
	require.NoError(t, srv.Start())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestServerStart_PortInUse(t *testing.T) {
	first, _, _ := newTestServer(t, nil, false)
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	second, _, _ := newTestServer(t, nil, false)
	second.srv.Addr = first.Addr()
	assert.Error(t, second.Start())
}
