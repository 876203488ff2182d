// Package resolve turns media items into download URLs and lyric text by
// querying HTTP resolver mirrors.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediadl/config"
	"mediadl/logging"
	"mediadl/task"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const maxBodySize = 4 << 20

// envelope is the response body every mirror endpoint returns.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

// Client queries the configured mirrors in order until one answers.
type Client struct {
	mirrors   []string
	userAgent string
	http      *http.Client
	log       zerolog.Logger
}

func NewClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	if len(cfg.ResolverMirrors) == 0 {
		return nil, errors.New("no resolver mirrors configured")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.ResolverRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = cfg.ResolverTimeout
	retryClient.Logger = logging.RetryLogger{Log: log}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	mirrors := make([]string, len(cfg.ResolverMirrors))
	for i, m := range cfg.ResolverMirrors {
		mirrors[i] = strings.TrimSuffix(m, "/")
	}
	return &Client{
		mirrors:   mirrors,
		userAgent: cfg.UserAgent,
		http:      retryClient.StandardClient(),
		log:       log,
	}, nil
}

// Resolve returns a download URL for item at quality q.
func (c *Client) Resolve(ctx context.Context, item task.Item, q task.Quality) (string, error) {
	u, err := c.fetch(ctx, "url", item.Source, item.ID, string(q))
	if err != nil {
		return "", err
	}
	if u == "" {
		return "", &Error{Reason: ReasonNoSource, Err: errors.New("empty url")}
	}
	return u, nil
}

// Lyric returns the LRC text for item. An item without lyrics yields "".
func (c *Client) Lyric(ctx context.Context, item task.Item) (string, error) {
	return c.fetch(ctx, "lyric", item.Source, item.ID)
}

func (c *Client) fetch(ctx context.Context, kind string, parts ...string) (string, error) {
	var lastErr error
	for _, mirror := range c.mirrors {
		data, err := c.get(ctx, mirror, kind, parts)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		c.log.Debug().Err(err).Str("mirror", mirror).Str("kind", kind).Msg("mirror failed, trying next")
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) get(ctx context.Context, mirror, kind string, parts []string) (string, error) {
	segs := make([]string, 0, len(parts)+1)
	segs = append(segs, kind)
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	target := mirror + "/" + strings.Join(segs, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &Error{Reason: ReasonNetwork, Mirror: mirror, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Reason: ReasonNetwork, Mirror: mirror, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Reason: ReasonAuth, Mirror: mirror, Err: fmt.Errorf("status %s", resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		return "", &Error{Reason: ReasonNoSource, Mirror: mirror, Err: fmt.Errorf("status %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return "", &Error{Reason: ReasonNetwork, Mirror: mirror, Err: fmt.Errorf("status %s", resp.Status)}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&env); err != nil {
		return "", &Error{Reason: ReasonNetwork, Mirror: mirror, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Code != 0 {
		msg := env.Msg
		if msg == "" {
			msg = fmt.Sprintf("code %d", env.Code)
		}
		return "", &Error{Reason: ReasonNoSource, Mirror: mirror, Err: errors.New(msg)}
	}
	return env.Data, nil
}
