package gpu

import (
	"context"
	"time"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/errors"
)

const queryTimeout = 10 * time.Second

func queryNvidiaSMI(ctx context.Context, runner command.Runner) ([]byte, error) {
	return runner.Run(ctx, "nvidia-smi", "-q", "-x")
}

// cachedQuery serves GPU queries through a single-flight cache so a hung
// nvidia-smi never blocks the collector for more than queryTimeout.
type cachedQuery struct {
	cache *cache.Singleton[GPUInfo]
}

func newCachedQuery(api GPUQueryAPI, maxStaleness time.Duration, reporter *errors.Reporter, opts ...cache.SingletonOption[GPUInfo]) *cachedQuery {
	opts = append([]cache.SingletonOption[GPUInfo]{cache.WithReporter[GPUInfo](reporter)}, opts...)
	return &cachedQuery{
		cache: cache.NewSingleton("nvidia-smi", api.QueryGPUs, queryTimeout, maxStaleness, opts...),
	}
}

func (q *cachedQuery) QueryGPUs(ctx context.Context) (GPUInfo, bool) {
	return q.cache.TryGet(ctx)
}
