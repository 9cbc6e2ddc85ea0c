package container

import (
	"context"
	"time"

	"github.com/karlseguin/ccache"
)

// inspectTTL bounds how long an inspect result is reused. Labels do not
// change over a container's lifetime. The init pid changes on restart, and
// callers Forget the entry when they notice.
const inspectTTL = 10 * time.Minute

// InspectCache memoizes docker inspect results per container id.
type InspectCache struct {
	docker DockerAPI
	cache  *ccache.Cache
	ttl    time.Duration
}

// NewInspectCache creates an InspectCache in front of docker.
func NewInspectCache(docker DockerAPI) *InspectCache {
	return &InspectCache{
		docker: docker,
		cache:  ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
		ttl:    inspectTTL,
	}
}

// Inspect returns the cached result for id, running docker inspect on a
// miss. Failures are not cached.
func (c *InspectCache) Inspect(ctx context.Context, id string) (InspectResult, error) {
	cacheKey := "inspect:" + id
	item := c.cache.Get(cacheKey)
	if item == nil || item.Expired() {
		r, err := c.docker.Inspect(ctx, id)
		if err != nil {
			return InspectResult{}, err
		}
		c.cache.Set(cacheKey, r, c.ttl)
		return r, nil
	}
	return item.Value().(InspectResult), nil
}

// Forget drops the cached result for id.
func (c *InspectCache) Forget(id string) {
	c.cache.Delete("inspect:" + id)
}

// Stop releases the cache's background worker.
func (c *InspectCache) Stop() {
	c.cache.Stop()
}
