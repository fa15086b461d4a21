package chatwire

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fenholt/chatwire/config"
)

// Settings holds the hot-reloadable connection tunables. Running connections
// re-read them periodically, so the values live in atomics fed by config
// reloads instead of hitting the raw config map from many goroutines.
type Settings struct {
	l *logrus.Logger

	refreshIntervalMs atomic.Int64
	retryLimit        atomic.Int64
}

func NewSettingsFromConfig(l *logrus.Logger, c *config.C) *Settings {
	s := &Settings{l: l}
	s.reload(c)
	c.RegisterReloadCallback(s.reload)
	return s
}

func (s *Settings) reload(c *config.C) {
	refresh := int64(c.GetInt("settings.connection_refresh_interval_ms", int(defaultRefreshInterval/time.Millisecond)))
	if old := s.refreshIntervalMs.Swap(refresh); old != refresh && !c.InitialLoad() {
		s.l.WithField("interval_ms", refresh).Info("settings.connection_refresh_interval_ms changed")
	}

	limit := int64(c.GetInt("settings.retries_on_invalid_packets", defaultRetryLimit))
	if old := s.retryLimit.Swap(limit); old != limit && !c.InitialLoad() {
		s.l.WithField("limit", limit).Info("settings.retries_on_invalid_packets changed")
	}
}

// RefreshInterval returns the interval at which a connection re-reads its
// tunables, falling back to the default when the configured value is not
// positive.
func (s *Settings) RefreshInterval() time.Duration {
	ms := s.refreshIntervalMs.Load()
	if ms <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryLimit returns how many invalid packets a connection tolerates before
// it is closed, falling back to the default when the configured value is not
// positive.
func (s *Settings) RetryLimit() int {
	v := s.retryLimit.Load()
	if v <= 0 {
		return defaultRetryLimit
	}
	return int(v)
}
