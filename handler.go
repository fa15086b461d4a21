package chatwire

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/fenholt/chatwire/packet"
)

// HandlerState tracks a connection through its lifecycle. Banned and
// Rejected are short-circuits reached directly from Handshake, teardown
// always finishes at Closed.
type HandlerState int32

const (
	StateHandshake HandlerState = iota
	StateActive
	StateClosing
	StateClosed
	StateBanned
	StateRejected
)

var stateMap = map[HandlerState]string{
	StateHandshake: "handshake",
	StateActive:    "active",
	StateClosing:   "closing",
	StateClosed:    "closed",
	StateBanned:    "banned",
	StateRejected:  "rejected",
}

func (s HandlerState) String() string {
	if n, ok := stateMap[s]; ok {
		return n
	}
	return "unknown"
}

// Router receives every validated inbound packet. Message fan-out lives
// behind this interface, outside the connection core.
type Router interface {
	Route(remote string, p packet.Packet)
}

// handlerHost is the slice of the listener a handler needs, access-control
// queries and registry removal.
type handlerHost interface {
	IsBanned(remote string) bool
	IsWhitelisted(remote string) bool
	UnregisterHandler(h *Handler)
}

const (
	// remoteUnknown stands in when the remote address cannot be resolved.
	remoteUnknown = "unknown"

	// defaultRefreshInterval applies when settings.connection_refresh_interval_ms
	// is missing or not positive.
	defaultRefreshInterval = time.Second

	// defaultRetryLimit applies when settings.retries_on_invalid_packets is
	// missing or not positive.
	defaultRetryLimit = 3
)

var errNilConn = errors.New("the provided connection is nil")

// Handler drives one accepted connection from handshake to closure. Run
// executes on its own goroutine, Close may be called from any goroutine and
// is idempotent.
type Handler struct {
	host     handlerHost
	settings *Settings
	l        *logrus.Logger
	router   Router

	conn   net.Conn
	remote string
	out    *Writer
	in     *packet.Decoder

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	metricsInvalidRx metrics.Counter
	metricsRefused   metrics.Counter
}

func newHandler(host handlerHost, settings *Settings, l *logrus.Logger, router Router, conn net.Conn) (*Handler, error) {
	if conn == nil {
		return nil, errNilConn
	}

	remote := remoteUnknown
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Handler{
		host:             host,
		settings:         settings,
		l:                l,
		router:           router,
		conn:             conn,
		remote:           remote,
		out:              NewWriter(conn),
		in:               packet.NewDecoder(conn),
		done:             make(chan struct{}),
		metricsInvalidRx: metrics.GetOrRegisterCounter("packets.rx.invalid", nil),
		metricsRefused:   metrics.GetOrRegisterCounter("connections.refused", nil),
	}, nil
}

// Remote returns the best-effort textual remote address.
func (h *Handler) Remote() string {
	return h.remote
}

// State returns the current lifecycle state.
func (h *Handler) State() HandlerState {
	return HandlerState(h.state.Load())
}

// Send transmits a packet to this connection's peer.
func (h *Handler) Send(p packet.Packet) error {
	return h.out.Send(p)
}

// Run gates the connection against the ban and whitelist and then drives the
// packet loop until the connection is torn down. The ban check happens
// first, a banned peer is refused even when it is also whitelisted.
func (h *Handler) Run() {
	h.l.WithField("remote", h.remote).Info("Connection attempting handshake")

	if h.host.IsBanned(h.remote) {
		h.state.Store(int32(StateBanned))
		h.refuse(packet.NewBanned())
		h.Close("banned")
		return
	}

	if !h.host.IsWhitelisted(h.remote) {
		h.state.Store(int32(StateRejected))
		h.refuse(packet.NewNotWhitelisted())
		h.Close("not whitelisted")
		return
	}

	h.state.Store(int32(StateActive))
	h.l.WithField("remote", h.remote).Info("Connection active")

	h.Close(h.runActive())
}

func (h *Handler) refuse(p packet.Packet) {
	h.metricsRefused.Inc(1)
	h.l.WithField("remote", h.remote).WithField("packet", p.Kind().DisplayName()).Info("Refusing connection")
	if err := h.out.Send(p); err != nil {
		h.l.WithError(err).WithField("remote", h.remote).Info("Failed to send refusal packet")
	}
}

type readResult struct {
	p   packet.Packet
	err error
}

// runActive reads, validates and dispatches packets until the connection
// ends, returning the close reason if there is one. A ticker re-reads the
// retry limit and refresh interval so config changes apply without
// reconnecting.
func (h *Handler) runActive() string {
	refresh := h.settings.RefreshInterval()
	limit := h.settings.RetryLimit()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	rx := make(chan readResult)
	go h.readPump(rx)

	invalid := 0
	for {
		select {
		case <-h.done:
			return ""

		case <-ticker.C:
			if nl := h.settings.RetryLimit(); nl != limit {
				h.l.WithField("remote", h.remote).WithField("limit", nl).Debug("Invalid packet retry limit changed")
				limit = nl
			}
			if nr := h.settings.RefreshInterval(); nr != refresh {
				refresh = nr
				ticker.Reset(refresh)
			}

		case r := <-rx:
			if r.err != nil {
				if errors.Is(r.err, packet.ErrMalformed) {
					invalid++
					h.metricsInvalidRx.Inc(1)
					h.l.WithError(r.err).WithField("remote", h.remote).WithField("count", invalid).Warn("Received invalid packet")
					if invalid >= limit {
						return "too many invalid packets"
					}
					continue
				}

				if errors.Is(r.err, io.EOF) {
					h.l.WithField("remote", h.remote).Info("Connection closed by peer")
					return ""
				}

				// A read aborted by our own teardown is not worth reporting.
				select {
				case <-h.done:
					return ""
				default:
				}

				h.l.WithError(r.err).WithField("remote", h.remote).Error("Error while reading from connection")
				return ""
			}

			h.router.Route(h.remote, r.p)
		}
	}
}

// readPump feeds decoded packets to runActive. It exits on teardown or the
// first non-recoverable read error.
func (h *Handler) readPump(rx chan<- readResult) {
	for {
		p, err := h.in.Next()

		select {
		case rx <- readResult{p: p, err: err}:
			if err != nil && !errors.Is(err, packet.ErrMalformed) {
				return
			}
		case <-h.done:
			return
		}
	}
}

// Close tears the connection down exactly once: notify the peer, release the
// writer, then the connection, tolerating individual release failures, and
// always unregister from the listener. Safe to call concurrently from any
// goroutine, later calls are no-ops.
func (h *Handler) Close(reason string) {
	h.closeOnce.Do(func() {
		h.state.Store(int32(StateClosing))
		close(h.done)

		if err := h.out.Send(packet.NewConnectionClosed(reason)); err != nil && !errors.Is(err, net.ErrClosed) {
			h.l.WithError(err).WithField("remote", h.remote).Debug("Failed to notify peer of close")
		}

		if err := h.out.Close(); err != nil {
			h.l.WithError(err).WithField("remote", h.remote).Info("Failed to flush writer during close")
		}

		// Closing the connection releases both stream halves and aborts any
		// blocked read in the pump.
		if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.l.WithError(err).WithField("remote", h.remote).Info("Failed to close connection")
		}

		h.host.UnregisterHandler(h)
		h.state.Store(int32(StateClosed))

		entry := h.l.WithField("remote", h.remote)
		if reason != "" {
			entry = entry.WithField("reason", reason)
		}
		entry.Info("Closed connection")
	})
}

