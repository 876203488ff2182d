// Package transfer streams a resolved URL to a file on disk.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mediadl/config"
	"mediadl/task"

	"github.com/cavaliergopher/grab/v3"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// ErrTooLarge is returned when a download exceeds MAX_FILE_SIZE.
var ErrTooLarge = errors.New("file exceeds size limit")

const defaultSampleEvery = 250 * time.Millisecond

// Executor implements task.Transferer on top of grab. Data is written to a
// uniquely named part file next to the destination and renamed into place
// once complete, so a failed or cancelled transfer never leaves a partial
// file at the destination.
type Executor struct {
	cfg    *config.Config
	client *grab.Client
	log    zerolog.Logger
}

func NewExecutor(cfg *config.Config, log zerolog.Logger) *Executor {
	client := grab.NewClient()
	if cfg.UserAgent != "" {
		client.UserAgent = cfg.UserAgent
	}
	return &Executor{cfg: cfg, client: client, log: log}
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

func (h *handle) Cancel() { h.cancel(task.ErrCancelled) }

func (h *handle) Wait() error {
	<-h.done
	return h.err
}

// Start checks system resources and begins the transfer in the background.
func (x *Executor) Start(ctx context.Context, req task.TransferRequest) (task.TransferHandle, error) {
	if err := x.checkResources(ctx, filepath.Dir(req.Destination)); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	part := req.Destination + ".part-" + shortuuid.New()
	greq, err := grab.NewRequest(part, req.URL)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	greq = greq.WithContext(ctx)
	greq.NoResume = true
	greq.NoCreateDirectories = true
	greq.BeforeCopy = func(resp *grab.Response) error {
		size := resp.Size()
		if limit := x.cfg.MaxFileSize; limit > 0 && size > limit {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, limit)
		}
		if req.OnBegin != nil {
			req.OnBegin(size)
		}
		return nil
	}

	h := &handle{cancel: cancel, done: make(chan struct{})}
	x.log.Debug().Str("url", req.URL).Str("part", part).Msg("transfer started")
	resp := x.client.Do(greq)
	go x.watch(ctx, h, resp, req, part)
	return h, nil
}

// watch samples progress until the response finishes, then moves the part
// file into place or removes it.
func (x *Executor) watch(ctx context.Context, h *handle, resp *grab.Response, req task.TransferRequest, part string) {
	defer close(h.done)
	defer h.cancel(nil)

	every := defaultSampleEvery
	if req.ProgressInterval > 0 && req.ProgressInterval < every {
		every = req.ProgressInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			n := resp.BytesComplete()
			if limit := x.cfg.MaxFileSize; limit > 0 && n > limit {
				h.cancel(fmt.Errorf("%w: more than %d bytes received", ErrTooLarge, limit))
			}
			if req.OnProgress != nil {
				req.OnProgress(n)
			}
		case <-resp.Done:
			break loop
		}
	}

	if err := resp.Err(); err != nil {
		_ = os.Remove(part)
		h.err = classify(ctx, err)
		return
	}
	if req.OnProgress != nil {
		req.OnProgress(resp.BytesComplete())
	}
	if err := os.Rename(part, req.Destination); err != nil {
		_ = os.Remove(part)
		h.err = fmt.Errorf("move download into place: %w", err)
		return
	}
	x.log.Debug().Str("dest", req.Destination).Int64("bytes", resp.BytesComplete()).Msg("transfer finished")
}

// classify maps a grab failure onto the error contract of task.TransferHandle.
// A deadline is a transfer fault, not a cancellation.
func classify(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, ErrTooLarge):
		return err
	case errors.Is(cause, ErrTooLarge):
		return cause
	case errors.Is(cause, task.ErrCancelled), errors.Is(cause, context.Canceled):
		return fmt.Errorf("%w: %v", task.ErrCancelled, err)
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("transfer timed out: %w", err)
	}
	return fmt.Errorf("transfer failed: %w", err)
}
