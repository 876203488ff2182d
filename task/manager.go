package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediadl/config"
	"mediadl/throttle"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Resolver turns an item and quality into a fetchable URL. It owns its own
// retry and mirror fallback policy.
type Resolver interface {
	Resolve(ctx context.Context, item Item, quality Quality) (string, error)
}

// Invalidator is implemented by resolvers that cache URLs.
type Invalidator interface {
	Invalidate(item Item, quality Quality)
}

type LyricFetcher interface {
	Lyric(ctx context.Context, item Item) (string, error)
}

// PostProcessor runs after a file has been written, before the task completes.
type PostProcessor interface {
	Process(ctx context.Context, t Task) error
}

type Publisher interface {
	Publish(Event)
}

// TransferRequest describes one fetch-to-disk operation.
type TransferRequest struct {
	URL              string
	Destination      string
	ProgressInterval time.Duration
	OnBegin          func(contentLength int64)
	OnProgress       func(bytesWritten int64)
}

// TransferHandle controls a running transfer. Wait returns nil on success
// and an error wrapping ErrCancelled after Cancel.
type TransferHandle interface {
	Cancel()
	Wait() error
}

type Transferer interface {
	Start(ctx context.Context, req TransferRequest) (TransferHandle, error)
}

// Manager schedules downloads. Every accepted submission runs concurrently
// in its own goroutine; there is no queue and no concurrency slot.
type Manager struct {
	cfg        *config.Config
	registry   *Registry
	resolver   Resolver
	transferer Transferer
	pathFor    PathFunc
	lyrics     LyricFetcher
	post       PostProcessor
	events     Publisher
	log        zerolog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex // guards closed and group.Go against Close
	closed bool
	group  errgroup.Group
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.events = p } }

// WithLyrics enables the lyric phase: after a successful transfer the lyric
// text is saved next to the download.
func WithLyrics(f LyricFetcher) Option { return func(m *Manager) { m.lyrics = f } }

func WithPostProcessor(p PostProcessor) Option { return func(m *Manager) { m.post = p } }

func WithPathFunc(f PathFunc) Option { return func(m *Manager) { m.pathFor = f } }

func NewManager(cfg *config.Config, resolver Resolver, transferer Transferer, opts ...Option) (*Manager, error) {
	if resolver == nil || transferer == nil {
		return nil, errors.New("task manager needs a resolver and a transferer")
	}
	if _, err := ParseQuality(cfg.DefaultQuality); cfg.DefaultQuality != "" && err != nil {
		return nil, fmt.Errorf("default quality: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		resolver:   resolver,
		transferer: transferer,
		pathFor:    NewPathFunc(cfg.FileNameFormat),
		log:        zerolog.Nop(),
		ctx:        ctx,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs the retention sweeper and closes the manager once ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info().
		Str("dir", m.cfg.DownloadDir).
		Dur("progress_interval", m.cfg.ProgressInterval).
		Msg("task manager started")

	if m.cfg.RetainTerminal > 0 {
		go m.cleanupLoop(ctx)
	}
	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-m.ctx.Done():
		}
	}()
}

// Close cancels every running task and waits for their goroutines. Later
// submissions fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	_ = m.group.Wait()
	m.log.Info().Msg("task manager stopped")
}

const minSweepInterval = 10 * time.Millisecond

// cleanupLoop evicts terminal tasks retained longer than RetainTerminal.
func (m *Manager) cleanupLoop(ctx context.Context) {
	tick := m.cfg.RetainTerminal / 4
	if tick < minSweepInterval {
		tick = minSweepInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, t := range m.registry.expire(time.Now().Add(-m.cfg.RetainTerminal)) {
				m.log.Debug().Str("identity", string(t.Identity)).Msg("evicted retained task")
				m.publish(EventRemoved, t)
			}
		}
	}
}

type submitOptions struct {
	destination string
}

type SubmitOption func(*submitOptions)

// WithDestination bypasses path computation and writes to path.
func WithDestination(path string) SubmitOption {
	return func(o *submitOptions) { o.destination = path }
}

// Submit registers a pending task for item and starts it. An empty quality
// selects the configured default.
func (m *Manager) Submit(item Item, quality Quality, opts ...SubmitOption) (Identity, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	if quality == "" {
		quality = Quality(m.cfg.DefaultQuality)
	}
	quality, err := ParseQuality(string(quality))
	if err != nil {
		return "", err
	}
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if m.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.cfg.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}

	id := item.Identity()
	e, err := m.registry.register(Task{
		Identity:   id,
		Item:       item,
		Quality:    quality,
		Status:     StatusPending,
		StatusText: StatusPending.Label(),
		CreatedAt:  time.Now(),
	}, cancel)
	if err != nil {
		cancel()
		return "", fmt.Errorf("%w: %w", ErrDuplicateSubmission, err)
	}

	snap, _ := m.registry.Get(id)
	m.publish(EventCreated, snap)
	m.log.Info().Str("identity", string(id)).Str("quality", string(quality)).Msg("task submitted")

	m.group.Go(func() error {
		m.run(ctx, e, so.destination)
		return nil
	})
	return id, nil
}

func (m *Manager) Get(id Identity) (Task, bool) {
	return m.registry.Get(id)
}

// QueryAll returns a snapshot of all tasks in submission order.
func (m *Manager) QueryAll() []Task {
	return m.registry.List()
}

// Cancel stops a non-terminal task. A pending task is removed and never
// starts; a resolving or downloading task ends in error with kind
// cancelled. Once the transfer has finished, the lyric and post-processing
// phases can no longer be cancelled. It reports whether anything was
// cancelled.
func (m *Manager) Cancel(id Identity) bool {
	var (
		cancel  context.CancelFunc
		handle  TransferHandle
		removed bool
		snap    Task
	)

	m.registry.mu.Lock()
	e, ok := m.registry.entries[id]
	if !ok || e.task.Status.Terminal() || e.cancelled || e.finishing {
		m.registry.mu.Unlock()
		return false
	}
	e.cancelled = true
	cancel, handle = e.cancel, e.handle
	if e.task.Status == StatusPending {
		delete(m.registry.entries, id)
		removed = true
		snap = e.snapshot()
	}
	m.registry.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		handle.Cancel()
	}

	m.log.Info().Str("identity", string(id)).Bool("removed", removed).Msg("task cancellation requested")
	if removed {
		m.publish(EventRemoved, snap)
	}
	return true
}

// Dismiss evicts a terminal task. Non-terminal and absent tasks are left
// alone.
func (m *Manager) Dismiss(id Identity) bool {
	snap, ok := m.registry.removeIf(id, func(e *entry) bool { return e.task.Status.Terminal() })
	if ok {
		m.publish(EventRemoved, snap)
	}
	return ok
}

func (m *Manager) run(ctx context.Context, e *entry, destination string) {
	defer e.cancel()
	id := e.task.Identity
	log := m.log.With().Str("identity", string(id)).Logger()

	t, ok := m.advance(e, StatusResolving)
	if !ok {
		log.Debug().Msg("task cancelled before start")
		return
	}

	dest, err := m.prepareDestination(e, destination)
	if err != nil {
		m.fail(e, KindInvalidDestination, err)
		return
	}

	url, err := m.resolver.Resolve(ctx, t.Item, t.Quality)
	if err != nil {
		m.fail(e, m.classify(ctx, e, KindResolution), err)
		return
	}
	log.Debug().Str("url", url).Str("dest", dest).Msg("resolved")

	if _, ok := m.advance(e, StatusDownloading); !ok {
		return
	}

	var total, done atomic.Int64
	thr := throttle.New(m.cfg.ProgressInterval, func(s throttle.Sample) { m.applyProgress(e, s) })
	defer thr.Stop()

	handle, err := m.transferer.Start(ctx, TransferRequest{
		URL:              url,
		Destination:      dest,
		ProgressInterval: m.cfg.ProgressInterval,
		OnBegin: func(n int64) {
			total.Store(n)
			thr.Offer(throttle.Sample{Done: done.Load(), Total: n})
		},
		OnProgress: func(n int64) {
			done.Store(n)
			thr.Offer(throttle.Sample{Done: n, Total: total.Load()})
		},
	})
	if err != nil {
		m.failTransfer(ctx, e, t, err)
		return
	}
	if !m.attach(e, handle) {
		handle.Cancel()
	}

	if err := handle.Wait(); err != nil {
		thr.Stop()
		m.failTransfer(ctx, e, t, err)
		return
	}

	n, tot := done.Load(), total.Load()
	if tot < n || tot <= 0 {
		tot = n
	}
	thr.Final(throttle.Sample{Done: n, Total: tot})

	if !m.settle(e) {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("removing cancelled download")
		}
		m.fail(e, KindCancelled, ErrCancelled)
		return
	}

	snap, _ := m.registry.Get(id)
	m.finishExtras(ctx, e, snap, log)
	m.complete(e, tot)
}

// finishExtras runs the lyric and post-processing phases. Their failures are
// logged and do not fail the download.
func (m *Manager) finishExtras(ctx context.Context, e *entry, t Task, log zerolog.Logger) {
	if m.lyrics != nil {
		m.setPhase(e, "fetching lyrics")
		lrc, err := m.lyrics.Lyric(ctx, t.Item)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("lyric lookup failed")
		case strings.TrimSpace(lrc) != "":
			if err := os.WriteFile(LyricPath(t.Destination), []byte(lrc), 0o644); err != nil {
				log.Warn().Err(err).Msg("saving lyric failed")
			}
		}
	}
	if m.post != nil {
		m.setPhase(e, "post-processing")
		if err := m.post.Process(ctx, t); err != nil {
			log.Warn().Err(err).Msg("post-download hook failed")
		}
	}
}

// LyricPath is where the lyric file for a download is written.
func LyricPath(dest string) string {
	return strings.TrimSuffix(dest, filepath.Ext(dest)) + ".lrc"
}

func (m *Manager) prepareDestination(e *entry, dest string) (string, error) {
	if dest == "" {
		var err error
		dest, err = m.pathFor(e.task.Item, e.task.Quality, m.cfg.DownloadDir)
		if err != nil {
			return "", err
		}
	}
	dest = filepath.Clean(dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		return "", fmt.Errorf("destination %s is a directory", dest)
	}
	if err := m.registry.claimDestination(e, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// advance moves e to status to. If a cancel was requested it records the
// cancellation instead (for active tasks) and returns false.
func (m *Manager) advance(e *entry, to Status) (Task, bool) {
	moved := false
	snap, ok := m.registry.update(e, func(e *entry) {
		if e.cancelled {
			if e.task.Status.Active() {
				e.setError(KindCancelled, ErrCancelled.Error())
			}
			return
		}
		e.transition(to)
		if to == StatusResolving {
			e.task.StartedAt = time.Now()
		}
		if to == StatusDownloading {
			e.started = time.Now()
		}
		moved = true
	})
	if ok {
		m.publish(EventStatus, snap)
	}
	return snap, ok && moved
}

// attach stores the transfer handle, reporting false when a cancel raced in.
func (m *Manager) attach(e *entry, h TransferHandle) bool {
	cancelled := true
	m.registry.update(e, func(e *entry) {
		e.handle = h
		cancelled = e.cancelled
	})
	return !cancelled
}

// settle marks the transfer as finished so that later Cancel calls are
// refused. It reports false when a cancel got in first.
func (m *Manager) settle(e *entry) bool {
	settled := false
	snap, ok := m.registry.update(e, func(e *entry) {
		if e.cancelled {
			return
		}
		e.finishing = true
		e.handle = nil
		settled = true
	})
	if ok && settled {
		m.publish(EventStatus, snap)
	}
	return settled
}

func (m *Manager) applyProgress(e *entry, s throttle.Sample) {
	changed := false
	snap, ok := m.registry.update(e, func(e *entry) {
		if e.task.Status != StatusDownloading {
			return
		}
		changed = true
		p := &e.task.Progress
		if s.Done > p.BytesDownloaded {
			p.BytesDownloaded = s.Done
		}
		if s.Total > 0 {
			p.BytesTotal = s.Total
		}
		if p.BytesTotal > 0 {
			p.Percent = int(p.BytesDownloaded * 100 / p.BytesTotal)
			if p.Percent > 100 {
				p.Percent = 100
			}
		}
		if secs := time.Since(e.started).Seconds(); secs > 0 {
			p.Rate = int64(float64(p.BytesDownloaded) / secs)
		}
	})
	if ok && changed {
		m.publish(EventProgress, snap)
	}
}

func (m *Manager) setPhase(e *entry, phase string) {
	snap, ok := m.registry.update(e, func(e *entry) {
		e.phase = phase
		e.task.StatusText = phase
	})
	if ok {
		m.publish(EventStatus, snap)
	}
}

func (m *Manager) complete(e *entry, total int64) {
	snap, ok := m.registry.update(e, func(e *entry) {
		if e.task.Status.Terminal() {
			return
		}
		e.transition(StatusCompleted)
		e.task.Progress.BytesTotal = total
		e.task.Progress.BytesDownloaded = total
		e.task.Progress.Percent = 100
		e.task.FinishedAt = time.Now()
		e.handle = nil
	})
	if ok {
		m.log.Info().Str("identity", string(snap.Identity)).Int64("bytes", total).Msg("download completed")
		m.publish(EventStatus, snap)
	}
}

func (m *Manager) fail(e *entry, kind ErrorKind, err error) {
	snap, ok := m.registry.update(e, func(e *entry) {
		if e.task.Status.Terminal() {
			return
		}
		e.setError(kind, err.Error())
	})
	if ok {
		m.log.Warn().
			Str("identity", string(snap.Identity)).
			Str("kind", string(kind)).
			Err(err).
			Msg("download failed")
		m.publish(EventStatus, snap)
	}
}

func (m *Manager) failTransfer(ctx context.Context, e *entry, t Task, err error) {
	kind := KindTransfer
	if errors.Is(err, ErrCancelled) {
		kind = KindCancelled
	}
	kind = m.classify(ctx, e, kind)
	if inv, ok := m.resolver.(Invalidator); ok && kind == KindTransfer {
		inv.Invalidate(t.Item, t.Quality)
	}
	m.fail(e, kind, err)
}

// classify reports cancelled when the failure was caused by Cancel or by
// the manager shutting down, and fallback otherwise.
func (m *Manager) classify(ctx context.Context, e *entry, fallback ErrorKind) ErrorKind {
	m.registry.mu.RLock()
	cancelled := e.cancelled
	m.registry.mu.RUnlock()
	if cancelled || errors.Is(ctx.Err(), context.Canceled) {
		return KindCancelled
	}
	return fallback
}

func (e *entry) setError(kind ErrorKind, msg string) {
	if msg == "" {
		msg = string(kind)
	}
	e.transition(StatusError)
	e.task.Error = &TaskError{Kind: kind, Message: msg}
	e.task.StatusText = StatusError.Label() + ": " + msg
	e.task.FinishedAt = time.Now()
	e.handle = nil
}

func (m *Manager) publish(kind EventKind, t Task) {
	if m.events != nil {
		m.events.Publish(Event{Kind: kind, Task: t})
	}
}
