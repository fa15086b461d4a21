package chatwire

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fenholt/chatwire/config"
	"github.com/fenholt/chatwire/packet"
	"github.com/fenholt/chatwire/util"
)

// shutdownTimeout bounds how long Close waits for handlers to finish before
// forcing their connections shut.
const shutdownTimeout = 5 * time.Second

// Listener accepts inbound connections, gates them against the access lists
// and tracks every live handler. One goroutine runs Serve, each accepted
// connection gets its own handler goroutine.
type Listener struct {
	l        *logrus.Logger
	settings *Settings
	acl      *AccessControl
	router   Router

	ln net.Listener

	hmu      sync.RWMutex
	handlers map[*Handler]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	metricsAccepted metrics.Counter
}

// NewListener binds the tcp listener configured by listen.host and
// listen.port. Failure to bind is fatal to startup.
func NewListener(l *logrus.Logger, c *config.C, settings *Settings, acl *AccessControl, router Router) (*Listener, error) {
	addr := net.JoinHostPort(c.GetString("listen.host", "0.0.0.0"), strconv.Itoa(c.GetInt("listen.port", 4473)))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, util.NewContextualError("Failed to bind listener", map[string]any{"address": addr}, err)
	}

	if router == nil {
		router = logRouter{l: l}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Listener{
		l:               l,
		settings:        settings,
		acl:             acl,
		router:          router,
		ln:              ln,
		handlers:        make(map[*Handler]struct{}),
		ctx:             ctx,
		cancel:          cancel,
		metricsAccepted: metrics.GetOrRegisterCounter("connections.accepted", nil),
	}

	l.WithField("address", ln.Addr().String()).Info("Listening for connections")
	return s, nil
}

// Addr returns the bound listen address.
func (s *Listener) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed. Each accepted
// connection is wrapped in a handler, registered and run independently, a
// failure to construct the handler only costs that connection.
func (s *Listener) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.l.WithError(err).Error("Failed to accept connection")
			continue
		}

		s.metricsAccepted.Inc(1)

		h, err := newHandler(s, s.settings, s.l, s.router, conn)
		if err != nil {
			util.LogWithContextIfNeeded("Failed to construct connection handler", err, s.l)
			conn.Close()
			continue
		}

		s.RegisterHandler(h)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.Run()
		}()
	}
}

// IsBanned reports whether the remote address matches the ban list. An
// unresolvable address is never banned, it is refused by the whitelist check
// instead.
func (s *Listener) IsBanned(remote string) bool {
	addr, ok := parseRemote(remote)
	if !ok {
		return false
	}
	return s.acl.IsBanned(addr)
}

// IsWhitelisted reports whether the remote address may proceed past the
// handshake. Unresolvable addresses are not admitted.
func (s *Listener) IsWhitelisted(remote string) bool {
	addr, ok := parseRemote(remote)
	if !ok {
		return false
	}
	return s.acl.IsWhitelisted(addr)
}

// RegisterHandler adds h to the live-connection registry.
func (s *Listener) RegisterHandler(h *Handler) {
	s.hmu.Lock()
	s.handlers[h] = struct{}{}
	s.hmu.Unlock()
}

// UnregisterHandler removes h from the live-connection registry, called by
// the handler itself during teardown.
func (s *Listener) UnregisterHandler(h *Handler) {
	s.hmu.Lock()
	delete(s.handlers, h)
	s.hmu.Unlock()
}

// HandlerCount returns the number of live handlers.
func (s *Listener) HandlerCount() int {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return len(s.handlers)
}

// Close stops accepting, signals every live handler to close and waits a
// bounded time for them to finish, forcing the remaining connections shut on
// timeout. Idempotent.
func (s *Listener) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.ln.Close()

		s.hmu.RLock()
		live := make([]*Handler, 0, len(s.handlers))
		for h := range s.handlers {
			live = append(live, h)
		}
		s.hmu.RUnlock()

		var eg errgroup.Group
		for _, h := range live {
			eg.Go(func() error {
				h.Close("server shutting down")
				return nil
			})
		}

		done := make(chan struct{})
		go func() {
			_ = eg.Wait()
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			s.l.Warn("Timed out waiting for connections to close, forcing release")
			for _, h := range live {
				h.conn.Close()
			}
		}
	})
	return err
}

// parseRemote extracts the IP from a host:port remote address, tolerating a
// bare IP.
func parseRemote(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

// logRouter is the fallback Router, it only records receipt. Real fan-out is
// provided by the embedding application.
type logRouter struct {
	l *logrus.Logger
}

func (r logRouter) Route(remote string, p packet.Packet) {
	r.l.WithField("remote", remote).WithField("packet", p.Kind().DisplayName()).Debug("Packet received")
}
