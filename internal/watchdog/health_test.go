package watchdog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/openpai/pai-telemetry/internal/observability"
)

func TestHealthCollector(t *testing.T) {
	api := &fakeAPI{health: map[string]error{
		EtcdHealthzPath: apierrors.NewInternalError(errors.New("etcd down")),
	}}
	m := observability.NewMetrics()
	m.RegisterProbeMetrics()
	c := NewHealthCollector(api, time.Minute, nil, m)

	b, err := c.collect(context.Background())
	require.NoError(t, err)

	api0 := samples(b, "k8s_api_server_count")
	require.Len(t, api0, 1)
	assert.Equal(t, "ok", api0[0].Labels["error"])

	etcd := samples(b, "k8s_etcd_count")
	require.Len(t, etcd, 1)
	assert.Equal(t, "status", etcd[0].Labels["error"])

	assert.Equal(t, 1, testutil.CollectAndCount(m.APIHealthzLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EtcdHealthzLatency))
}

func TestProbeClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), "timeout"},
		{"server timeout", apierrors.NewServerTimeout(schema.GroupResource{Resource: "healthz"}, "get", 1), "timeout"},
		{"status", apierrors.NewInternalError(errors.New("x")), "status"},
		{"connection", errors.New("dial tcp: connection refused"), "connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, probeClass(tt.err))
		})
	}
}
