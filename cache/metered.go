package cache

import "github.com/rcrowley/go-metrics"

// Metered wraps a [Maintainer] and counts the bytes passed to it.
type Metered struct {
	m Maintainer

	writeBackOps    metrics.Counter
	writeBackBytes  metrics.Counter
	invalidateOps   metrics.Counter
	invalidateBytes metrics.Counter
}

// NewMetered returns m wrapped with counters registered in r. A nil registry
// uses the go-metrics default registry.
func NewMetered(m Maintainer, r metrics.Registry) *Metered {
	if m == nil {
		m = None{}
	}
	return &Metered{
		m:               m,
		writeBackOps:    metrics.GetOrRegisterCounter("cache.writeback.ops", r),
		writeBackBytes:  metrics.GetOrRegisterCounter("cache.writeback.bytes", r),
		invalidateOps:   metrics.GetOrRegisterCounter("cache.invalidate.ops", r),
		invalidateBytes: metrics.GetOrRegisterCounter("cache.invalidate.bytes", r),
	}
}

func (c *Metered) WriteBack(b []byte) {
	c.writeBackOps.Inc(1)
	c.writeBackBytes.Inc(int64(len(b)))
	c.m.WriteBack(b)
}

func (c *Metered) Invalidate(b []byte) {
	c.invalidateOps.Inc(1)
	c.invalidateBytes.Inc(int64(len(b)))
	c.m.Invalidate(b)
}
