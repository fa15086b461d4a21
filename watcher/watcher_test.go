package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenholt/chatwire/test"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestWatcher(path string, rec *eventRecorder) *PathWatcher {
	return NewPathWatcher(test.NewLogger(), path, rec.record, nil)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "modified", Modified.String())
	assert.Equal(t, "other", Other.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestPathWatcher_SuppressesModifyInsideWindow(t *testing.T) {
	rec := &eventRecorder{}
	p := newTestWatcher(t.TempDir(), rec)

	base := time.Unix(1000, 0)

	// create dispatches and starts the suppression window
	p.process(Event{Kind: Created, Path: "a.yaml"}, base)
	require.Equal(t, []Event{{Kind: Created, Path: "a.yaml"}}, rec.snapshot())

	// the synthetic modify right after the create is swallowed
	p.process(Event{Kind: Modified, Path: "a.yaml"}, base.Add(50*time.Millisecond))
	assert.Equal(t, 1, rec.count())

	// a modify past the window is a real change
	p.process(Event{Kind: Modified, Path: "a.yaml"}, base.Add(250*time.Millisecond))
	assert.Equal(t, []Event{
		{Kind: Created, Path: "a.yaml"},
		{Kind: Modified, Path: "a.yaml"},
	}, rec.snapshot())
}

func TestPathWatcher_SuppressionIsPerPath(t *testing.T) {
	rec := &eventRecorder{}
	p := newTestWatcher(t.TempDir(), rec)

	base := time.Unix(1000, 0)
	p.process(Event{Kind: Created, Path: "a.yaml"}, base)
	p.process(Event{Kind: Modified, Path: "b.yaml"}, base.Add(10*time.Millisecond))

	assert.Equal(t, []Event{
		{Kind: Created, Path: "a.yaml"},
		{Kind: Modified, Path: "b.yaml"},
	}, rec.snapshot())
}

func TestPathWatcher_PrunesExpiredEntries(t *testing.T) {
	rec := &eventRecorder{}
	p := newTestWatcher(t.TempDir(), rec)

	base := time.Unix(1000, 0)
	p.process(Event{Kind: Created, Path: "a.yaml"}, base)
	assert.Len(t, p.recentlyCreated, 1)

	p.process(Event{Kind: Other, Path: "b.yaml"}, base.Add(time.Second))
	assert.Empty(t, p.recentlyCreated)
}

func TestPathWatcher_BatchCollapsesDuplicates(t *testing.T) {
	rec := &eventRecorder{}
	p := newTestWatcher(t.TempDir(), rec)

	p.dispatchBatch([]fsnotify.Event{
		{Name: "b.yaml", Op: fsnotify.Write},
		{Name: "b.yaml", Op: fsnotify.Write},
		{Name: "c.yaml", Op: fsnotify.Chmod},
	})

	assert.Equal(t, []Event{
		{Kind: Modified, Path: "b.yaml"},
		{Kind: Other, Path: "c.yaml"},
	}, rec.snapshot())
}

func TestPathWatcher_PauseDiscardsEvents(t *testing.T) {
	rec := &eventRecorder{}
	p := newTestWatcher(t.TempDir(), rec)

	base := time.Unix(1000, 0)

	p.Pause()
	p.process(Event{Kind: Modified, Path: "a.yaml"}, base)
	assert.Zero(t, rec.count())

	p.Resume()
	p.process(Event{Kind: Modified, Path: "a.yaml"}, base.Add(time.Second))
	assert.Equal(t, 1, rec.count())
}

func TestPathWatcher_Translate(t *testing.T) {
	assert.Equal(t, Event{Kind: Created, Path: "x"}, translate(fsnotify.Event{Name: "x", Op: fsnotify.Create}))
	assert.Equal(t, Event{Kind: Modified, Path: "x"}, translate(fsnotify.Event{Name: "x", Op: fsnotify.Write}))
	assert.Equal(t, Event{Kind: Other, Path: "x"}, translate(fsnotify.Event{Name: "x", Op: fsnotify.Remove}))

	// a create carrying a write bit is still a create
	assert.Equal(t, Event{Kind: Created, Path: "x"}, translate(fsnotify.Event{Name: "x", Op: fsnotify.Create | fsnotify.Write}))
}

func TestPathWatcher_WatchesRealPath(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}
	p := newTestWatcher(dir, rec)

	p.Start()
	defer p.Stop()

	// give the watch a moment to establish
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 4473"), 0o644))

	require.Eventually(t, func() bool {
		return rec.count() >= 1
	}, 3*time.Second, 25*time.Millisecond, "expected the create to be dispatched")

	// the write that delivered the file's content must have been collapsed
	// into the create
	assert.Equal(t, Created, rec.snapshot()[0].Kind)
}

func TestPathWatcher_StopTerminates(t *testing.T) {
	p := newTestWatcher(t.TempDir(), &eventRecorder{})
	p.Start()

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not terminate the watch goroutine")
	}
}

func TestPathWatcher_StopWithoutStart(t *testing.T) {
	p := newTestWatcher(t.TempDir(), &eventRecorder{})
	p.Stop()
}

func TestPathWatcher_ErrorCallbackOnMissingPath(t *testing.T) {
	errs := make(chan error, 1)
	p := NewPathWatcher(test.NewLogger(), filepath.Join(t.TempDir(), "does-not-exist"), nil, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	p.Start()
	defer p.Stop()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a watch establishment error")
	}
}
