package chatwire

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/fenholt/chatwire/watcher"
)

// Control owns the running server. Start is nonblocking, use ShutdownBlock
// to wait for a termination signal.
type Control struct {
	l       *logrus.Logger
	ln      *Listener
	watcher *watcher.PathWatcher
	cancel  context.CancelFunc

	stopOnce sync.Once
}

// Start begins watching for config changes and accepting connections.
func (ct *Control) Start() {
	if ct.watcher != nil {
		ct.watcher.Start()
	}
	go ct.ln.Serve()
}

// Listener exposes the running listener for embedding applications that need
// access-control queries or the handler registry.
func (ct *Control) Listener() *Listener {
	return ct.ln
}

// Stop shuts the server down and returns once shutdown is complete: the
// watcher is stopped, every handler is signaled to close with a bounded
// wait, and no new connections are accepted.
func (ct *Control) Stop() {
	ct.stopOnce.Do(func() {
		if ct.watcher != nil {
			ct.watcher.Stop()
		}

		if err := ct.ln.Close(); err != nil {
			ct.l.WithError(err).Error("Close listener failed")
		}

		ct.cancel()
		ct.l.Info("Goodbye")
	})
}

// ShutdownBlock blocks on term and interrupt signals, calling Stop once
// signalled.
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	ct.l.WithField("signal", sig).Info("Caught signal, shutting down")
	ct.Stop()
}
