package ipcvq

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/cache"
	"github.com/slackhq/ipcvq/config"
	"github.com/slackhq/ipcvq/shmem"
)

const defaultShmemPath = "/dev/shm/ipcvq"

type regionConfig struct {
	path  string
	opts  shmem.Options
	cache string
}

func parseRegion(c *config.C) (regionConfig, error) {
	rc := regionConfig{
		path:  c.GetString("shmem.path", defaultShmemPath),
		cache: strings.ToLower(c.GetString("shmem.cache", "none")),
	}

	base, err := config.ParseUint(c.Get("shmem.base"), 32)
	if err != nil {
		return rc, fmt.Errorf("shmem.base: %w", err)
	}
	size, err := config.ParseUint(c.Get("shmem.size"), 32)
	if err != nil {
		return rc, fmt.Errorf("shmem.size: %w", err)
	}

	rc.opts = shmem.Options{
		Base:   shmem.PhysAddr(base),
		Size:   int(size),
		Cached: c.GetBool("shmem.cached", false),
		Mask:   c.GetUint32("shmem.mask", 0),
	}
	if err := rc.opts.Validate(); err != nil {
		return rc, err
	}

	switch rc.cache {
	case "none":
		if rc.opts.Cached {
			return rc, fmt.Errorf("shmem.cached is set but shmem.cache is none, the peer would never see our writes")
		}
	case "msync":
	default:
		return rc, fmt.Errorf("shmem.cache was not understood: %s", rc.cache)
	}

	return rc, nil
}

// contains reports whether n bytes at pa lie within the configured region.
func (rc regionConfig) contains(pa shmem.PhysAddr, n uint64) bool {
	return pa >= rc.opts.Base && uint64(pa)+n <= uint64(rc.opts.Base)+uint64(rc.opts.Size)
}

// newMaintainer returns the metered cache maintainer for region.
func newMaintainer(l *logrus.Logger, rc regionConfig, region *shmem.Region) cache.Maintainer {
	var m cache.Maintainer = cache.None{}
	if rc.cache == "msync" {
		m = cache.NewMsync(l, region.Mem())
	}
	return cache.NewMetered(m, nil)
}
