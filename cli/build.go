package cli

import (
	"fmt"

	"mediadl/config"
	"mediadl/hook"
	"mediadl/resolve"
	"mediadl/task"
	"mediadl/transfer"

	"github.com/rs/zerolog"
)

// buildManager wires the resolver, URL cache, lyric fetcher, post hook and
// transfer executor into a task manager. The returned cleanup must run after
// the manager is closed.
func buildManager(cfg *config.Config, log zerolog.Logger, pub task.Publisher) (*task.Manager, func(), error) {
	client, err := resolve.NewClient(cfg, log.With().Str("component", "resolver").Logger())
	if err != nil {
		return nil, nil, err
	}

	var resolver task.Resolver = client
	cleanup := func() {}
	if cfg.URLCachePath != "" {
		cache, err := resolve.OpenCache(cfg.URLCachePath, cfg.URLCacheTTL, client, log.With().Str("component", "urlcache").Logger())
		if err != nil {
			return nil, nil, err
		}
		if n, err := cache.Purge(); err != nil {
			log.Warn().Err(err).Msg("url cache purge failed")
		} else if n > 0 {
			log.Debug().Int("entries", n).Msg("purged expired urls")
		}
		resolver = cache
		cleanup = func() {
			if err := cache.Close(); err != nil {
				log.Warn().Err(err).Msg("closing url cache")
			}
		}
	}

	opts := []task.Option{
		task.WithLogger(log.With().Str("component", "tasks").Logger()),
	}
	if pub != nil {
		opts = append(opts, task.WithPublisher(pub))
	}
	if cfg.FetchLyrics {
		opts = append(opts, task.WithLyrics(client))
	}
	if cfg.PostHook != "" {
		h, err := hook.New(cfg.PostHook, cfg.HookTimeout, log.With().Str("component", "hook").Logger())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("POST_HOOK: %w", err)
		}
		opts = append(opts, task.WithPostProcessor(h))
	}

	executor := transfer.NewExecutor(cfg, log.With().Str("component", "transfer").Logger())
	tm, err := task.NewManager(cfg, resolver, executor, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return tm, cleanup, nil
}
