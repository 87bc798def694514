package ipcvq

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ipcvq/config"
	"github.com/slackhq/ipcvq/mailbox"
	"github.com/slackhq/ipcvq/shmem"
	"github.com/slackhq/ipcvq/util"
	"github.com/slackhq/ipcvq/virtqueue"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// restartKeys are the settings that are only read on start.
var restartKeys = []string{"proc_id", "shmem", "mailbox", "interrupt_line", "channels"}

// Main builds one core from c: it maps the shared region, creates the
// interrupt line registry and every configured channel. mb is the mailbox to
// kick peers with, nil builds the one described by mailbox.*. With configTest
// set the configuration is only validated and a nil Control is returned.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, mb mailbox.Mailbox) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}

		for _, k := range restartKeys {
			if c.HasChanged(k) {
				l.WithField("key", k).Warn("Configuration change requires a restart to take effect")
			}
		}
	})

	proc, err := config.ParseUint(c.Get("proc_id"), 16)
	if err != nil {
		return nil, util.NewContextualError("Invalid proc_id", m{"proc_id": c.Get("proc_id")}, err)
	}
	self := mailbox.ProcID(proc)

	rc, err := parseRegion(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid shared memory region", m{"shmem": c.Get("shmem")}, err)
	}

	lineSize := c.GetInt("interrupt_line.channels", virtqueue.MinRegistrySize)
	if lineSize < virtqueue.MinRegistrySize {
		return nil, util.NewContextualError("Invalid interrupt line",
			m{"interrupt_line.channels": lineSize, "minimum": virtqueue.MinRegistrySize}, nil)
	}

	channels, err := parseChannels(c, rc, self, lineSize)
	if err != nil {
		return nil, util.NewContextualError("Invalid channels", nil, err)
	}

	if mb == nil {
		if err := validateMailbox(c); err != nil {
			return nil, util.NewContextualError("Invalid mailbox", m{"mailbox": c.Get("mailbox")}, err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// mappings, pipes and anything the peer can observe should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	ctrl := &Control{
		l:          l,
		proc:       self,
		channels:   make(map[virtqueue.ChannelID]*channel, len(channels)),
		cancel:     cancel,
		statsStart: statsStart,
		gate:       newRegionGate(),
	}
	defer func() {
		if reterr != nil {
			ctrl.Stop()
		}
	}()

	region, err := shmem.Map(rc.path, rc.opts)
	if err != nil {
		return nil, util.NewContextualError("Failed to map the shared memory region", m{"path": rc.path}, err)
	}
	ctrl.region = region
	ctrl.closers = append(ctrl.closers, region)
	l.WithField("path", rc.path).
		WithField("base", rc.opts.Base).
		WithField("size", rc.opts.Size).
		WithField("cached", rc.opts.Cached).
		WithField("cache", rc.cache).
		Info("Mapped shared memory region")

	if mb == nil {
		owned, err := newMailbox(l, c)
		if err != nil {
			return nil, util.NewContextualError("Failed to create the mailbox", m{"mailbox": c.Get("mailbox")}, err)
		}
		ctrl.closers = append(ctrl.closers, owned)
		mb = owned
	}

	maint := newMaintainer(l, rc, region)
	ctrl.registry, err = virtqueue.NewRegistry(l, lineSize, mb, maint)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the interrupt line", nil, err)
	}

	for _, cc := range channels {
		fields := m{"channel": cc.id, "remoteProc": cc.remote, "ringBase": cc.ring.Base}

		ring, err := virtqueue.NewRingInRegion(region, cc.ring)
		if err != nil {
			return nil, util.NewContextualError("Failed to map the channel ring", fields, err)
		}
		if cc.zero {
			ring.Zero()
			maint.WriteBack(ring.Bytes())
		}

		ch := newChannel(l, cc, region, maint, ctrl.gate)
		ch.vq, err = ctrl.registry.CreateChannel(cc.id, cc.remote, ring, ch.callback())
		if err != nil {
			return nil, util.NewContextualError("Failed to create the channel", fields, err)
		}
		ctrl.channels[cc.id] = ch
	}

	c.CatchHUP(ctx)

	return ctrl, nil
}
