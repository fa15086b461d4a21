package chatwire

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fenholt/chatwire/config"
	"github.com/fenholt/chatwire/util"
	"github.com/fenholt/chatwire/watcher"
)

// Main assembles the server from config: logger, access lists, listener and
// the config watcher. Nothing is started yet, use Control.Start.
func Main(c *config.C, buildVersion string, logger *logrus.Logger, router Router) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	l.WithField("build", buildVersion).Info("Starting chatwire")

	settings := NewSettingsFromConfig(l, c)

	acl := NewAccessControlFromConfig(l, c)
	c.RegisterReloadCallback(acl.ReloadFromConfig)

	ln, err := NewListener(l, c, settings, acl, router)
	if err != nil {
		return nil, err
	}

	// Watch the config location so access-list and settings changes land
	// without a restart. SIGHUP stays available for filesystems that do not
	// deliver change notifications.
	var pw *watcher.PathWatcher
	if c.Path() != "" {
		pw = watcher.NewPathWatcher(l, c.Path(), func(e watcher.Event) {
			l.WithField("path", e.Path).WithField("kind", e.Kind.String()).Info("Configuration changed on disk, reloading")
			c.ReloadConfig()
		}, func(err error) {
			l.WithError(err).Error("Config watcher error, watch will be re-established")
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.CatchHUP(ctx)

	return &Control{
		l:       l,
		ln:      ln,
		watcher: pw,
		cancel:  cancel,
	}, nil
}
