// Package fetch retrieves raw image bytes from the network into a local file.
// A retrieval writes to a sibling part file and renames it over the
// destination only once the body is complete, so a failed attempt never
// touches a file that is already there.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/config"
	"github.com/pixhub/pixhub/internal/version"
)

// Fetcher 将 rawURL 的内容完整写入 destination。
// 源不存在返回 cache.ErrNotFound，网络类错误返回 cache.ErrTransientFailure。
type Fetcher interface {
	Retrieve(ctx context.Context, rawURL string, destination string) error
}

// Options 控制 HTTPFetcher 的重试与限额。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBytes       int64
	UserAgent      string
}

// OptionsFromConfig 从全局配置提取抓取参数。
func OptionsFromConfig(cfg config.GlobalConfig) Options {
	return Options{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.DurationValue(),
		MaxBytes:       cfg.MaxImageSize,
		UserAgent:      cfg.UserAgent,
	}
}

// HTTPFetcher 通过共享 http.Client 抓取 http/https 资源。
type HTTPFetcher struct {
	client *http.Client
	logger *logrus.Logger
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewHTTPFetcher constructs a fetcher around the shared upstream client.
func NewHTTPFetcher(client *http.Client, logger *logrus.Logger, opts Options) *HTTPFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent()
	}
	return &HTTPFetcher{
		client: client,
		logger: logger,
		opts:   opts,
		sleep:  sleepContext,
	}
}

// Retrieve 在瞬时失败时按指数退避重试，最多 MaxRetries 次；NotFound 立即返回。
func (f *HTTPFetcher) Retrieve(ctx context.Context, rawURL string, destination string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: unsupported url %q", cache.ErrNotFound, rawURL)
	}

	backoff := f.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.WithFields(logrus.Fields{
				"action":  "fetch_retry",
				"url":     rawURL,
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   lastErr.Error(),
			}).Warn("fetch_retry")
			if err := f.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}

		lastErr = f.retrieveOnce(ctx, parsed, destination)
		if lastErr == nil || !errors.Is(lastErr, cache.ErrTransientFailure) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (f *HTTPFetcher) retrieveOnce(ctx context.Context, target *url.URL, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", cache.ErrNotFound, err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", cache.ErrTransientFailure, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: upstream status %d for %s", err, resp.StatusCode, target.Redacted())
	}

	return writeAtomically(ctx, destination, resp.Body, f.opts.MaxBytes)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return cache.ErrTransientFailure
	case status >= 500:
		return cache.ErrTransientFailure
	default:
		return cache.ErrNotFound
	}
}

// writeAtomically 先写 destination.part-<xid>，完整后再 rename 覆盖。
func writeAtomically(ctx context.Context, destination string, body io.Reader, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrIOFailure, err)
	}
	partName := destination + ".part-" + xid.New().String()
	part, err := os.OpenFile(partName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", cache.ErrIOFailure, err)
	}

	reader := body
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	written, copyErr := copyContext(ctx, part, reader)
	closeErr := part.Close()

	switch {
	case copyErr != nil:
		os.Remove(partName)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read body: %v", cache.ErrTransientFailure, copyErr)
	case closeErr != nil:
		os.Remove(partName)
		return fmt.Errorf("%w: %v", cache.ErrIOFailure, closeErr)
	case maxBytes > 0 && written > maxBytes:
		os.Remove(partName)
		return fmt.Errorf("%w: body exceeds %d bytes", cache.ErrDecodeFailed, maxBytes)
	}

	if err := os.Rename(partName, destination); err != nil {
		os.Remove(partName)
		return fmt.Errorf("%w: %v", cache.ErrIOFailure, err)
	}
	return nil
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
