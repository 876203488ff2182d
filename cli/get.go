package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"mediadl/event"
	"mediadl/task"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// pollInterval backs up the event stream, which drops events for slow
// subscribers.
const pollInterval = 500 * time.Millisecond

type getOptions struct {
	item    task.Item
	quality string
	output  string
}

func newGetCmd() *cobra.Command {
	var o getOptions
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download a single item and show its progress",
		Example: `  mediadl get --source kw --id 123456 --quality 320k --name "Song" --singer "Artist"
  mediadl get --source tx --id 001 --output ./song.flac --quality flac`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), o, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&o.item.Source, "source", "", "Source platform of the item (required)")
	cmd.Flags().StringVar(&o.item.ID, "id", "", "Item id on the source (required)")
	cmd.Flags().StringVar(&o.item.Name, "name", "", "Track name used for the file name")
	cmd.Flags().StringVar(&o.item.Singer, "singer", "", "Artist used for the file name")
	cmd.Flags().StringVar(&o.item.Album, "album", "", "Album used for the file name")
	cmd.Flags().StringVarP(&o.quality, "quality", "q", "", "Quality: 128k, 192k, 320k or flac (default from config)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Write to this path instead of the download directory")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runGet(parent context.Context, o getOptions, out io.Writer) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	tm, cleanup, err := buildManager(cfg, log, bus)
	if err != nil {
		return err
	}
	defer cleanup()
	defer tm.Close()

	events := bus.Subscribe()
	defer bus.Unsubscribe(events)

	var sopts []task.SubmitOption
	if o.output != "" {
		sopts = append(sopts, task.WithDestination(o.output))
	}
	id, err := tm.Submit(o.item, task.Quality(o.quality), sopts...)
	if err != nil {
		return err
	}

	bar := newBar(out, string(id))
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		var t task.Task
		select {
		case <-ctx.Done():
			tm.Cancel(id)
			ctx = context.Background()
			continue
		case ev := <-events:
			if ev.Task.Identity != id {
				continue
			}
			if ev.Kind == task.EventRemoved {
				_ = bar.Exit()
				return task.ErrCancelled
			}
			t = ev.Task
		case <-poll.C:
			var found bool
			if t, found = tm.Get(id); !found {
				_ = bar.Exit()
				return task.ErrCancelled
			}
		}

		bar.Describe(t.StatusText)
		if t.Progress.BytesTotal > 0 && bar.GetMax64() != t.Progress.BytesTotal {
			bar.ChangeMax64(t.Progress.BytesTotal)
		}
		_ = bar.Set64(t.Progress.BytesDownloaded)

		switch t.Status {
		case task.StatusCompleted:
			_ = bar.Finish()
			fmt.Fprintf(out, "\nsaved %s\n", t.Destination)
			return nil
		case task.StatusError:
			_ = bar.Exit()
			fmt.Fprintln(out)
			return fmt.Errorf("download failed: %w", t.Error)
		}
	}
}

func newBar(out io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}
