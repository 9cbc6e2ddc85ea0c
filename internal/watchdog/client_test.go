package watchdog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/openpai/pai-telemetry/internal/config"
)

const podList = `{"kind":"PodList","apiVersion":"v1","items":[
{"metadata":{"name":"good","namespace":"default","labels":{"app":"rest-server"}},"status":{"phase":"Running"}},
{"metadata":{"name":5}},
{"metadata":{"name":"also-good","namespace":"default"},"status":{"phase":"Pending"}}
]}`

const nodeList = `{"kind":"NodeList","apiVersion":"v1","items":[
{"metadata":{"name":"n1"}},
{"metadata":{"name":"n2"},"spec":{"unschedulable":"yes"}}
]}`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cs, err := kubernetes.NewForConfig(&rest.Config{Host: srv.URL})
	require.NoError(t, err)
	return NewClient(cs, nil)
}

func TestClient_ListPodsSkipsBadItems(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/pods", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(podList))
	}))

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "good", pods[0].Name)
	assert.Equal(t, "also-good", pods[1].Name)
}

func TestClient_ListNodesSkipsBadItems(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(nodeList))
	}))

	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
}

func TestClient_ListError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.ListPods(context.Background())
	require.Error(t, err)
}

func TestClient_ListBadEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": 3}`))
	}))

	_, err := c.ListNodes(context.Background())
	require.Error(t, err)
}

func TestClient_Healthz(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EtcdHealthzPath {
			http.Error(w, "etcd failed", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	assert.NoError(t, c.Healthz(context.Background(), APIHealthzPath))
	err := c.Healthz(context.Background(), EtcdHealthzPath)
	require.Error(t, err)
	assert.Equal(t, "status", probeClass(err))
}

func TestRESTConfig(t *testing.T) {
	cfg := &config.WatchdogConfig{
		APIServerURL:   "https://10.0.0.1:6443/",
		CAFile:         "/etc/ca.crt",
		BearerFile:     "/etc/token",
		RequestTimeout: 5 * time.Second,
	}
	rc := RESTConfig(cfg)
	assert.Equal(t, "https://10.0.0.1:6443", rc.Host)
	assert.Equal(t, "/etc/ca.crt", rc.TLSClientConfig.CAFile)
	assert.Equal(t, "/etc/token", rc.BearerTokenFile)
	assert.Equal(t, 5*time.Second, rc.Timeout)

	plain := RESTConfig(&config.WatchdogConfig{APIServerURL: "http://10.0.0.1:8080"})
	assert.Empty(t, plain.TLSClientConfig.CAFile)
}
