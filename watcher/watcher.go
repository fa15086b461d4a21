// Package watcher delivers debounced filesystem change events so
// configuration can be reloaded without restarting the process.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type EventKind uint8

const (
	Created EventKind = iota
	Modified
	Other
)

var kindMap = map[EventKind]string{
	Created:  "created",
	Modified: "modified",
	Other:    "other",
}

func (k EventKind) String() string {
	if n, ok := kindMap[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one debounced filesystem change. The watcher does not retain it
// after dispatch.
type Event struct {
	Kind EventKind
	Path string
}

const (
	// settleDelay is the quiescence window after the first notification,
	// collapsing rapid duplicates (metadata write then content write) into
	// one batch.
	settleDelay = 100 * time.Millisecond

	// suppressWindow is how long after a create a modify for the same path
	// is treated as a side effect of that create.
	suppressWindow = 100 * time.Millisecond

	// retryDelay spaces attempts to re-establish a failed watch.
	retryDelay = time.Second
)

// PathWatcher observes one filesystem location for create/modify activity
// and delivers debounced events to onEvent on its own goroutine. Errors go
// to onError and the watch is re-established rather than terminated, until
// Stop is called.
type PathWatcher struct {
	path    string
	onEvent func(Event)
	onError func(error)
	l       *logrus.Logger

	paused    atomic.Bool
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}

	// owned by the watch goroutine, no synchronization needed
	recentlyCreated map[string]time.Time
	clock           func() time.Time

	metricsDispatched metrics.Counter
	metricsSuppressed metrics.Counter
}

func NewPathWatcher(l *logrus.Logger, path string, onEvent func(Event), onError func(error)) *PathWatcher {
	return &PathWatcher{
		path:              path,
		onEvent:           onEvent,
		onError:           onError,
		l:                 l,
		done:              make(chan struct{}),
		recentlyCreated:   make(map[string]time.Time),
		clock:             time.Now,
		metricsDispatched: metrics.GetOrRegisterCounter("watcher.events.dispatched", nil),
		metricsSuppressed: metrics.GetOrRegisterCounter("watcher.events.suppressed", nil),
	}
}

// Start launches the watch goroutine. Subsequent calls are no-ops.
func (p *PathWatcher) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.run(ctx)
	})
}

// Pause suspends dispatch. Events are still consumed and discarded so the
// watcher stays responsive to Stop.
func (p *PathWatcher) Pause() {
	p.paused.Store(true)
}

// Resume re-enables dispatch.
func (p *PathWatcher) Resume() {
	p.paused.Store(false)
}

// Stop terminates the watch goroutine and waits for it to exit. Safe to call
// even if Start never ran.
func (p *PathWatcher) Stop() {
	p.startOnce.Do(func() {
		close(p.done)
	})
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *PathWatcher) run(ctx context.Context) {
	defer close(p.done)

	for {
		if err := p.watch(ctx); err != nil {
			p.reportError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// watch establishes one fsnotify session and consumes it until it errors or
// the context is canceled. A nil return means the context ended.
func (p *PathWatcher) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(p.path); err != nil {
		return err
	}

	p.l.WithField("path", p.path).Info("Watching for filesystem changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-w.Errors:
			if !ok {
				return fsnotify.ErrClosed
			}
			return err

		case ev, ok := <-w.Events:
			if !ok {
				return fsnotify.ErrClosed
			}
			p.dispatchBatch(p.settle(ctx, w, ev))
		}
	}
}

// settle waits out the quiescence window after the first notification and
// returns everything that arrived, so one logical change lands in one batch.
func (p *PathWatcher) settle(ctx context.Context, w *fsnotify.Watcher, first fsnotify.Event) []fsnotify.Event {
	batch := []fsnotify.Event{first}

	timer := time.NewTimer(settleDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return batch
		case ev, ok := <-w.Events:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		}
	}
}

// dispatchBatch collapses duplicate notifications within the batch and runs
// each remaining event through the create-suppression filter.
func (p *PathWatcher) dispatchBatch(batch []fsnotify.Event) {
	now := p.clock()

	seen := make(map[Event]struct{}, len(batch))
	for _, fe := range batch {
		e := translate(fe)
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		p.process(e, now)
	}
}

// process applies the recently-created suppression: a modify landing within
// the suppression window of a create for the same path is the tail end of
// that create and is not dispatched again.
func (p *PathWatcher) process(e Event, now time.Time) {
	p.prune(now)

	switch e.Kind {
	case Created:
		p.recentlyCreated[e.Path] = now
		p.dispatch(e)

	case Modified:
		created, ok := p.recentlyCreated[e.Path]
		if ok && now.Sub(created) <= suppressWindow {
			p.metricsSuppressed.Inc(1)
			return
		}
		delete(p.recentlyCreated, e.Path)
		p.dispatch(e)

	default:
		p.dispatch(e)
	}
}

// prune drops tracking entries whose suppression window has elapsed.
func (p *PathWatcher) prune(now time.Time) {
	for path, created := range p.recentlyCreated {
		if now.Sub(created) > suppressWindow {
			delete(p.recentlyCreated, path)
		}
	}
}

func (p *PathWatcher) dispatch(e Event) {
	if p.paused.Load() {
		return
	}

	p.metricsDispatched.Inc(1)
	p.l.WithField("path", e.Path).WithField("kind", e.Kind.String()).Debug("Dispatching filesystem event")

	if p.onEvent != nil {
		p.onEvent(e)
	}
}

func (p *PathWatcher) reportError(err error) {
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.l.WithError(err).WithField("path", p.path).Error("Watcher error")
}

func translate(fe fsnotify.Event) Event {
	switch {
	case fe.Op.Has(fsnotify.Create):
		return Event{Kind: Created, Path: fe.Name}
	case fe.Op.Has(fsnotify.Write):
		return Event{Kind: Modified, Path: fe.Name}
	default:
		return Event{Kind: Other, Path: fe.Name}
	}
}
