package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediadl/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver is a mock implementation of Resolver and Invalidator.
type mockResolver struct {
	resolveFunc func(ctx context.Context, item Item, q Quality) (string, error)
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (m *mockResolver) Resolve(ctx context.Context, item Item, q Quality) (string, error) {
	m.calls.Add(1)
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, item, q)
	}
	return "http://cdn.example/" + string(item.Identity()) + "/" + string(q), nil
}

func (m *mockResolver) Invalidate(Item, Quality) { m.invalidated.Add(1) }

func blockingResolver() *mockResolver {
	return &mockResolver{resolveFunc: func(ctx context.Context, _ Item, _ Quality) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

// mockTransferer simulates a transfer of total bytes in steps. failAt is
// the step that fails with an I/O error, 0 = never.
type mockTransferer struct {
	total   int64
	steps   int
	delay   time.Duration
	failAt  int
	started atomic.Int32
	samples func(req TransferRequest, step int)
}

type mockHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *mockHandle) Cancel()     { h.cancel() }
func (h *mockHandle) Wait() error { <-h.done; return h.err }

func (m *mockTransferer) Start(ctx context.Context, req TransferRequest) (TransferHandle, error) {
	m.started.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	h := &mockHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		req.OnBegin(m.total)
		for i := 1; i <= m.steps; i++ {
			select {
			case <-ctx.Done():
				h.err = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
				return
			case <-time.After(m.delay):
			}
			if i == m.failAt {
				h.err = errors.New("connection reset by peer")
				return
			}
			if m.samples != nil {
				m.samples(req, i)
				continue
			}
			req.OnProgress(m.total * int64(i) / int64(m.steps))
		}
		h.err = os.WriteFile(req.Destination, make([]byte, m.total), 0o644)
	}()
	return h, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) forTask(id Identity) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Task.Identity == id {
			out = append(out, e)
		}
	}
	return out
}

// statuses returns the distinct consecutive statuses observed for id.
func (l *eventLog) statuses(id Identity) []Status {
	var out []Status
	for _, e := range l.forTask(id) {
		if e.Kind == EventRemoved {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != e.Task.Status {
			out = append(out, e.Task.Status)
		}
	}
	return out
}

// waitStatuses waits until the published status history for id equals want.
func (l *eventLog) waitStatuses(t *testing.T, id Identity, want ...Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got := l.statuses(id)
		return len(got) == len(want) && assert.ObjectsAreEqual(want, got)
	}, time.Second, 5*time.Millisecond, "status history %v, want %v", l.statuses(id), want)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DownloadDir:      t.TempDir(),
		DefaultQuality:   "128k",
		FileNameFormat:   "{name} - {singer}",
		ProgressInterval: 20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, r Resolver, tr Transferer, opts ...Option) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, r, tr, opts...)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr
}

func waitStatus(t *testing.T, mgr *Manager, id Identity, want Status) Task {
	t.Helper()
	var got Task
	require.Eventually(t, func() bool {
		got, _ = mgr.Get(id)
		return got.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

var songA = Item{Source: "kw", ID: "1001", Name: "Song A", Singer: "Band"}

func TestManager_NewManagerValidates(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewManager(cfg, nil, &mockTransferer{})
	assert.Error(t, err)

	cfg.DefaultQuality = "999k"
	_, err = NewManager(cfg, &mockResolver{}, &mockTransferer{})
	assert.ErrorIs(t, err, ErrInvalidQuality)
}

func TestManager_Submit(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	id, err := mgr.Submit(songA, "")
	require.NoError(t, err)
	assert.Equal(t, Identity("kw_1001"), id)

	got, found := mgr.Get(id)
	require.True(t, found)
	assert.Contains(t, []Status{StatusPending, StatusResolving}, got.Status)
	assert.Equal(t, Quality128k, got.Quality, "empty quality selects the default")

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := mgr.Submit(Item{Source: "kw"}, Quality320k)
		assert.ErrorIs(t, err, ErrInvalidItem)

		_, err = mgr.Submit(Item{Source: "kw", ID: "2"}, "64k")
		assert.ErrorIs(t, err, ErrInvalidQuality)
	})
}

func TestManager_DuplicateSubmission(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	_, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = mgr.Submit(songA, Quality320k)
		assert.ErrorIs(t, err, ErrDuplicateSubmission)
	}

	count := 0
	for _, tk := range mgr.QueryAll() {
		if tk.Identity == songA.Identity() {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestManager_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	events := &eventLog{}
	tr := &mockTransferer{total: 4096, steps: 8, delay: 5 * time.Millisecond}
	mgr := newTestManager(t, cfg, &mockResolver{}, tr, WithPublisher(events))

	id, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)

	done := waitStatus(t, mgr, id, StatusCompleted)
	assert.Equal(t, 100, done.Progress.Percent)
	assert.Equal(t, int64(4096), done.Progress.BytesDownloaded)
	assert.Equal(t, done.Progress.BytesTotal, done.Progress.BytesDownloaded)
	assert.Equal(t, filepath.Join(cfg.DownloadDir, "Song A - Band.mp3"), done.Destination)
	assert.Equal(t, "download complete", done.StatusText)
	assert.Nil(t, done.Error)
	assert.False(t, done.Cancellable)
	assert.FileExists(t, done.Destination)

	listed := mgr.QueryAll()
	require.Len(t, listed, 1)
	assert.Equal(t, StatusCompleted, listed[0].Status)
	assert.Equal(t, 100, listed[0].Progress.Percent)

	events.waitStatuses(t, id, StatusPending, StatusResolving, StatusDownloading, StatusCompleted)

	var last int64
	for _, e := range events.forTask(id) {
		if e.Task.Status == StatusCompleted {
			assert.Equal(t, 100, e.Task.Progress.Percent, "completed snapshots never carry stale progress")
		}
		assert.GreaterOrEqual(t, e.Task.Progress.BytesDownloaded, last)
		last = e.Task.Progress.BytesDownloaded
	}

	assert.True(t, mgr.Dismiss(id))
	assert.Empty(t, mgr.QueryAll())
	assert.False(t, mgr.Dismiss(id))
}

func TestManager_ResolutionFailure(t *testing.T) {
	events := &eventLog{}
	resolver := &mockResolver{resolveFunc: func(context.Context, Item, Quality) (string, error) {
		return "", errors.New("network unreachable")
	}}
	tr := &mockTransferer{}
	mgr := newTestManager(t, testConfig(t), resolver, tr, WithPublisher(events))

	id, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)

	failed := waitStatus(t, mgr, id, StatusError)
	require.NotNil(t, failed.Error)
	assert.Equal(t, KindResolution, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "network unreachable")
	assert.Contains(t, failed.StatusText, "network unreachable")
	assert.Zero(t, tr.started.Load())

	events.waitStatuses(t, id, StatusPending, StatusResolving, StatusError)
}

func TestManager_TransferFailure(t *testing.T) {
	resolver := &mockResolver{}
	tr := &mockTransferer{total: 100, steps: 4, delay: time.Millisecond, failAt: 2}
	mgr := newTestManager(t, testConfig(t), resolver, tr)

	id, err := mgr.Submit(songA, QualityFlac)
	require.NoError(t, err)

	failed := waitStatus(t, mgr, id, StatusError)
	require.NotNil(t, failed.Error)
	assert.Equal(t, KindTransfer, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "connection reset")
	assert.Equal(t, int32(1), resolver.invalidated.Load(), "cached URL is dropped after a failed transfer")
}

func TestManager_CancelDownloading(t *testing.T) {
	cfg := testConfig(t)
	events := &eventLog{}
	resolver := &mockResolver{}
	tr := &mockTransferer{total: 1 << 20, steps: 1000, delay: 10 * time.Millisecond}
	mgr := newTestManager(t, cfg, resolver, tr, WithPublisher(events))

	id, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)
	running := waitStatus(t, mgr, id, StatusDownloading)
	assert.True(t, running.Cancellable)

	start := time.Now()
	assert.True(t, mgr.Cancel(id))
	failed := waitStatus(t, mgr, id, StatusError)
	assert.Less(t, time.Since(start), time.Second)

	require.NotNil(t, failed.Error)
	assert.Equal(t, KindCancelled, failed.Error.Kind)
	assert.False(t, failed.Cancellable)
	assert.NoFileExists(t, filepath.Join(cfg.DownloadDir, "Song A - Band.mp3"))
	assert.NotContains(t, events.statuses(id), StatusCompleted)
	assert.Zero(t, resolver.invalidated.Load(), "a cancel says nothing about the URL")

	assert.False(t, mgr.Cancel(id), "cancelling a terminal task is a no-op")
	assert.False(t, mgr.Cancel("kw_404"), "cancelling an absent task is a no-op")
}

func TestManager_CancelResolving(t *testing.T) {
	tr := &mockTransferer{}
	mgr := newTestManager(t, testConfig(t), blockingResolver(), tr)

	id, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)
	waitStatus(t, mgr, id, StatusResolving)

	assert.True(t, mgr.Cancel(id))
	failed := waitStatus(t, mgr, id, StatusError)
	assert.Equal(t, KindCancelled, failed.Error.Kind)
	assert.Zero(t, tr.started.Load())
}

func TestManager_CancelPendingNeverStarts(t *testing.T) {
	resolver := &mockResolver{}
	tr := &mockTransferer{}
	mgr := newTestManager(t, testConfig(t), resolver, tr)

	ctx, cancel := context.WithCancel(context.Background())
	e, err := mgr.registry.register(Task{
		Identity: songA.Identity(), Item: songA, Quality: Quality128k, Status: StatusPending,
	}, cancel)
	require.NoError(t, err)

	assert.True(t, mgr.Cancel(songA.Identity()))
	_, found := mgr.Get(songA.Identity())
	assert.False(t, found, "a cancelled pending task leaves the registry")

	mgr.run(ctx, e, "")
	assert.Zero(t, resolver.calls.Load())
	assert.Zero(t, tr.started.Load())
}

func TestManager_CancelRightAfterSubmit(t *testing.T) {
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	resolver := &mockResolver{resolveFunc: func(ctx context.Context, item Item, q Quality) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return "http://cdn.example/x", nil
		}
	}}
	mgr := newTestManager(t, testConfig(t), resolver, tr)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	require.True(t, mgr.Cancel(id))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, tr.started.Load(), "a cancelled task must never reach the transfer")
	if got, found := mgr.Get(id); found {
		require.Equal(t, StatusError, got.Status)
		assert.Equal(t, KindCancelled, got.Error.Kind)
	}
}

func TestManager_DismissNonTerminalIsNoop(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)

	assert.False(t, mgr.Dismiss(id))
	_, found := mgr.Get(id)
	assert.True(t, found)
}

func TestManager_ProgressNeverDecreases(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProgressInterval = 0
	events := &eventLog{}
	sizes := []int64{100, 400, 300, 700, 650, 1000}
	tr := &mockTransferer{total: 1000, steps: len(sizes), delay: time.Millisecond}
	tr.samples = func(req TransferRequest, step int) { req.OnProgress(sizes[step-1]) }
	mgr := newTestManager(t, cfg, &mockResolver{}, tr, WithPublisher(events))

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	waitStatus(t, mgr, id, StatusCompleted)

	var last int64
	for _, e := range events.forTask(id) {
		assert.GreaterOrEqual(t, e.Task.Progress.BytesDownloaded, last)
		last = e.Task.Progress.BytesDownloaded
	}
	assert.Equal(t, int64(1000), last)
}

func TestManager_InvalidDestination(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.DownloadDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.DownloadDir = filepath.Join(blocker, "music")

	resolver := &mockResolver{}
	mgr := newTestManager(t, cfg, resolver, &mockTransferer{})

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)

	failed := waitStatus(t, mgr, id, StatusError)
	assert.Equal(t, KindInvalidDestination, failed.Error.Kind)
	assert.Zero(t, resolver.calls.Load(), "no network activity before the destination is valid")
}

func TestManager_DestinationConflict(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	twin := Item{Source: "kg", ID: "77", Name: songA.Name, Singer: songA.Singer}
	idA, err := mgr.Submit(songA, Quality320k)
	require.NoError(t, err)
	idB, err := mgr.Submit(twin, Quality320k)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := mgr.Get(idA)
		b, _ := mgr.Get(idB)
		return a.Status != StatusPending && b.Status != StatusPending &&
			(a.Status == StatusError) != (b.Status == StatusError)
	}, 2*time.Second, 5*time.Millisecond)

	for _, tk := range mgr.QueryAll() {
		if tk.Status == StatusError {
			assert.Equal(t, KindInvalidDestination, tk.Error.Kind)
		}
	}
}

func TestManager_ExplicitDestination(t *testing.T) {
	cfg := testConfig(t)
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	mgr := newTestManager(t, cfg, &mockResolver{}, tr)

	dest := filepath.Join(cfg.DownloadDir, "custom", "track.mp3")
	id, err := mgr.Submit(songA, Quality128k, WithDestination(dest))
	require.NoError(t, err)

	done := waitStatus(t, mgr, id, StatusCompleted)
	assert.Equal(t, dest, done.Destination)
	assert.FileExists(t, dest)
}

type lyricFunc func(ctx context.Context, item Item) (string, error)

func (f lyricFunc) Lyric(ctx context.Context, item Item) (string, error) { return f(ctx, item) }

type postFunc func(ctx context.Context, t Task) error

func (f postFunc) Process(ctx context.Context, t Task) error { return f(ctx, t) }

func TestManager_LyricsAndPostProcessing(t *testing.T) {
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	var processed atomic.Value
	mgr := newTestManager(t, testConfig(t), &mockResolver{}, tr,
		WithLyrics(lyricFunc(func(context.Context, Item) (string, error) {
			return "[00:01.00]hello", nil
		})),
		WithPostProcessor(postFunc(func(_ context.Context, tk Task) error {
			processed.Store(tk.Destination)
			return errors.New("hook exited 1")
		})),
	)

	id, err := mgr.Submit(songA, QualityFlac)
	require.NoError(t, err)
	done := waitStatus(t, mgr, id, StatusCompleted)

	lrc, err := os.ReadFile(LyricPath(done.Destination))
	require.NoError(t, err)
	assert.Equal(t, "[00:01.00]hello", string(lrc))
	assert.Equal(t, done.Destination, processed.Load(), "post-processor failures do not fail the download")
}

func TestManager_LyricFailureIsNotFatal(t *testing.T) {
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	mgr := newTestManager(t, testConfig(t), &mockResolver{}, tr,
		WithLyrics(lyricFunc(func(context.Context, Item) (string, error) {
			return "", errors.New("no lyric")
		})),
	)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	done := waitStatus(t, mgr, id, StatusCompleted)
	assert.NoFileExists(t, LyricPath(done.Destination))
}

func waitPhase(t *testing.T, mgr *Manager, id Identity, phase string) Task {
	t.Helper()
	var got Task
	require.Eventually(t, func() bool {
		got, _ = mgr.Get(id)
		return got.StatusText == phase
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached phase %q", id, phase)
	return got
}

func TestManager_CancelDuringLyricPhase(t *testing.T) {
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	release := make(chan struct{})
	var lyricErr atomic.Value
	mgr := newTestManager(t, testConfig(t), &mockResolver{}, tr,
		WithLyrics(lyricFunc(func(ctx context.Context, _ Item) (string, error) {
			select {
			case <-release:
				return "[00:01.00]hello", nil
			case <-ctx.Done():
				lyricErr.Store(ctx.Err())
				return "", ctx.Err()
			}
		})),
	)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	busy := waitPhase(t, mgr, id, "fetching lyrics")
	assert.Equal(t, StatusDownloading, busy.Status)
	assert.False(t, busy.Cancellable, "the transfer is already finished")

	assert.False(t, mgr.Cancel(id))
	close(release)

	done := waitStatus(t, mgr, id, StatusCompleted)
	assert.Nil(t, done.Error)
	assert.FileExists(t, done.Destination)
	assert.FileExists(t, LyricPath(done.Destination))
	assert.Nil(t, lyricErr.Load(), "lyric fetch must not be interrupted")
}

func TestManager_CloseDuringPostProcessing(t *testing.T) {
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	entered := make(chan struct{})
	mgr, err := NewManager(testConfig(t), &mockResolver{}, tr,
		WithPostProcessor(postFunc(func(ctx context.Context, _ Task) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		})),
	)
	require.NoError(t, err)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("post-processor never ran")
	}

	mgr.Close()
	got, _ := mgr.Get(id)
	assert.Equal(t, StatusCompleted, got.Status, "the file was already written")
	assert.Nil(t, got.Error)
	assert.FileExists(t, got.Destination)
}

// lateCancelTransfer writes the file, then lets cancel run before Wait
// reports success.
type lateCancelTransfer struct {
	cancel func()
}

type lateCancelHandle struct {
	req    TransferRequest
	cancel func()
}

func (h *lateCancelHandle) Cancel() {}

func (h *lateCancelHandle) Wait() error {
	if err := os.WriteFile(h.req.Destination, []byte("data"), 0o644); err != nil {
		return err
	}
	h.req.OnProgress(4)
	h.cancel()
	return nil
}

func (l *lateCancelTransfer) Start(_ context.Context, req TransferRequest) (TransferHandle, error) {
	req.OnBegin(4)
	return &lateCancelHandle{req: req, cancel: l.cancel}, nil
}

func TestManager_CancelAfterTransferReturns(t *testing.T) {
	cfg := testConfig(t)
	tr := &lateCancelTransfer{}
	var lyricCalls atomic.Int32
	mgr := newTestManager(t, cfg, &mockResolver{}, tr,
		WithLyrics(lyricFunc(func(context.Context, Item) (string, error) {
			lyricCalls.Add(1)
			return "", nil
		})),
	)
	var accepted atomic.Bool
	tr.cancel = func() { accepted.Store(mgr.Cancel(songA.Identity())) }

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	failed := waitStatus(t, mgr, id, StatusError)

	assert.True(t, accepted.Load())
	require.NotNil(t, failed.Error)
	assert.Equal(t, KindCancelled, failed.Error.Kind)
	assert.NoFileExists(t, filepath.Join(cfg.DownloadDir, "Song A - Band.mp3"))
	assert.Zero(t, lyricCalls.Load())
}

func TestManager_ResubmitAfterError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	resolver := &mockResolver{resolveFunc: func(_ context.Context, item Item, _ Quality) (string, error) {
		if fail.Load() {
			return "", errors.New("no source")
		}
		return "http://cdn.example/ok", nil
	}}
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	mgr := newTestManager(t, testConfig(t), resolver, tr)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	waitStatus(t, mgr, id, StatusError)

	fail.Store(false)
	again, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err, "a terminal task does not block re-submission")
	assert.Equal(t, id, again)
	waitStatus(t, mgr, id, StatusCompleted)
	assert.Len(t, mgr.QueryAll(), 1)
}

func TestManager_TaskTimeoutIsNotCancellation(t *testing.T) {
	cfg := testConfig(t)
	cfg.TaskTimeout = 30 * time.Millisecond
	mgr := newTestManager(t, cfg, blockingResolver(), &mockTransferer{})

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)

	failed := waitStatus(t, mgr, id, StatusError)
	assert.Equal(t, KindResolution, failed.Error.Kind)
}

func TestManager_Close(t *testing.T) {
	tr := &mockTransferer{total: 1 << 20, steps: 1000, delay: 10 * time.Millisecond}
	mgr, err := NewManager(testConfig(t), &mockResolver{}, tr)
	require.NoError(t, err)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	waitStatus(t, mgr, id, StatusDownloading)

	mgr.Close()
	got, _ := mgr.Get(id)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, KindCancelled, got.Error.Kind)

	_, err = mgr.Submit(Item{Source: "kw", ID: "2"}, Quality128k)
	assert.ErrorIs(t, err, ErrClosed)
	mgr.Close()
}

func TestManager_StartEvictsRetainedTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetainTerminal = 40 * time.Millisecond
	resolver := &mockResolver{resolveFunc: func(context.Context, Item, Quality) (string, error) {
		return "", errors.New("no source")
	}}
	mgr := newTestManager(t, cfg, resolver, &mockTransferer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	waitStatus(t, mgr, id, StatusError)

	require.Eventually(t, func() bool {
		_, found := mgr.Get(id)
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestManager_StartTinyRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetainTerminal = 2 * time.Nanosecond
	resolver := &mockResolver{resolveFunc: func(context.Context, Item, Quality) (string, error) {
		return "", errors.New("no source")
	}}
	mgr := newTestManager(t, cfg, resolver, &mockTransferer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	id, err := mgr.Submit(songA, Quality128k)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, found := mgr.Get(id)
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestManager_StartClosesOnContextEnd(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, err := mgr.Submit(songA, Quality128k)
		return errors.Is(err, ErrClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_QueryAllOrder(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), blockingResolver(), &mockTransferer{})

	for _, id := range []string{"9", "3", "5"} {
		_, err := mgr.Submit(Item{Source: "tx", ID: id, Name: "n" + id}, Quality128k)
		require.NoError(t, err)
	}

	var ids []Identity
	for _, tk := range mgr.QueryAll() {
		ids = append(ids, tk.Identity)
	}
	assert.Equal(t, []Identity{"tx_9", "tx_3", "tx_5"}, ids)
}

func TestManager_WithPathFunc(t *testing.T) {
	cfg := testConfig(t)
	tr := &mockTransferer{total: 10, steps: 1, delay: time.Millisecond}
	resolver := &mockResolver{}
	mgr := newTestManager(t, cfg, resolver, tr, WithPathFunc(func(item Item, q Quality, base string) (string, error) {
		if item.Source == "local" {
			return "", errors.New("refusing local source")
		}
		return filepath.Join(base, item.Source, item.ID+"."+q.Ext()), nil
	}))

	id, err := mgr.Submit(Item{Source: "kw", ID: "3"}, QualityFlac)
	require.NoError(t, err)
	done := waitStatus(t, mgr, id, StatusCompleted)
	assert.Equal(t, filepath.Join(cfg.DownloadDir, "kw", "3.flac"), done.Destination)

	id, err = mgr.Submit(Item{Source: "local", ID: "1"}, QualityFlac)
	require.NoError(t, err)
	failed := waitStatus(t, mgr, id, StatusError)
	assert.Equal(t, KindInvalidDestination, failed.Error.Kind)
	assert.Equal(t, int32(1), resolver.calls.Load())
}
