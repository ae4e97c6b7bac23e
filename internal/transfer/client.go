// Package transfer implements resilient, resumable-by-retry streaming
// downloads of large binary payloads under a bearer token. Bytes land in
// a temporary sibling file and reach the destination path only through a
// final atomic rename — a consumer either sees no file or a complete one.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Retry and backoff constants. The budgets mirror each other: a flaky
// connection phase and a flaky read phase each get their own cap, inside
// one shared total attempt budget.
const (
	maxAttempts       = 8
	maxConnectRetries = 5
	maxReadRetries    = 5
	baseBackoff       = 500 * time.Millisecond
	backoffFactor     = 2.0
	maxBackoff        = 60 * time.Second

	partialSuffix = ".partial"
	copyChunkSize = 1 << 20
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrTransferFailed means the retry budget was exhausted; it wraps
	// the last underlying cause.
	ErrTransferFailed = errors.New("transfer: retry budget exhausted")

	// ErrFilesystem means the destination path is unusable.
	ErrFilesystem = errors.New("transfer: destination unusable")
)

// HTTPError is a terminal, non-retryable HTTP response (4xx outside 429,
// or 5xx outside the retryable set).
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transfer: HTTP %d fetching %s", e.StatusCode, e.URL)
}

// Client performs streamed downloads with automatic retry. Retry and
// backoff decisions are fully owned here — callers see only success or a
// final error.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// Progress, when set, is called with the cumulative byte count of
	// the current attempt as data streams in. Advisory only.
	Progress func(bytes int64)

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a transfer client. A nil httpClient falls back to
// http.DefaultClient; callers configure timeouts on the client they pass.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Fetch streams url to dest under the given bearer token and returns the
// destination path. Idempotent GETs are retried on connection failures
// and on statuses 429/500/502/503/504 with exponential backoff, honoring
// a server-supplied Retry-After hint. Any other non-2xx status is
// terminal on the first sight. Nothing ever exists at dest before the
// final atomic rename; a leftover .partial sibling may remain after a
// failure and is overwritten by the next run.
func (c *Client) Fetch(ctx context.Context, url, dest, token string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { //nolint:mnd // standard dir perms
		return "", fmt.Errorf("transfer: creating destination directory: %w: %w", ErrFilesystem, err)
	}

	partial := dest + partialSuffix

	var (
		attempt      int
		connectFails int
		readFails    int
		lastErr      error
	)

	for attempt < maxAttempts {
		attempt++

		result := c.attempt(ctx, url, partial, token)
		if result.err == nil {
			if err := os.Rename(partial, dest); err != nil {
				return "", fmt.Errorf("transfer: renaming partial to %s: %w: %w", dest, ErrFilesystem, err)
			}

			c.logger.Info("fetch complete",
				slog.String("dest", dest),
				slog.Int64("bytes", result.bytes),
				slog.Int("attempts", attempt),
			)

			return dest, nil
		}

		lastErr = result.err

		// Context cancellation (including a caller closing the
		// connection to abort early) stops the retry loop.
		if ctx.Err() != nil {
			break
		}

		if result.terminal {
			return "", result.err
		}

		switch result.phase {
		case phaseConnect:
			connectFails++
			if connectFails > maxConnectRetries {
				c.logger.Error("connection retry budget exhausted", slog.String("url", url))
				return "", fmt.Errorf("%w: %w", ErrTransferFailed, lastErr)
			}
		case phaseRead:
			readFails++
			if readFails > maxReadRetries {
				c.logger.Error("read retry budget exhausted", slog.String("url", url))
				return "", fmt.Errorf("%w: %w", ErrTransferFailed, lastErr)
			}
		}

		if attempt >= maxAttempts {
			break
		}

		backoff := c.calcBackoff(attempt-1, result.retryAfter)
		c.logger.Warn("retrying fetch",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", result.err.Error()),
		)

		if err := c.sleepFunc(ctx, backoff); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}

	return "", fmt.Errorf("%w: %w", ErrTransferFailed, lastErr)
}

// phase identifies where within an attempt a failure occurred.
type phase int

const (
	phaseConnect phase = iota
	phaseRead
)

// attemptResult is the outcome of one request/stream cycle.
type attemptResult struct {
	bytes      int64
	err        error
	phase      phase
	terminal   bool
	retryAfter time.Duration
}

// attempt performs one GET and streams the body into the partial file,
// truncating whatever a previous attempt left there. Accept-Encoding is
// pinned to identity so byte counts stay exact.
func (c *Client) attempt(ctx context.Context, url, partial, token string) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return attemptResult{err: fmt.Errorf("transfer: creating request: %w", err), terminal: true}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attemptResult{
			err:   fmt.Errorf("transfer: connecting to %s: %w", url, err),
			phase: phaseConnect,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for connection reuse

		if isRetryable(resp.StatusCode) {
			return attemptResult{
				err:        fmt.Errorf("transfer: HTTP %d from %s", resp.StatusCode, url),
				phase:      phaseConnect,
				retryAfter: parseRetryAfter(resp),
			}
		}

		return attemptResult{err: &HTTPError{StatusCode: resp.StatusCode, URL: url}, terminal: true}
	}

	n, err := c.streamToFile(resp.Body, partial)
	if err != nil {
		return attemptResult{
			bytes: n,
			err:   fmt.Errorf("transfer: streaming body: %w", err),
			phase: phaseRead,
		}
	}

	return attemptResult{bytes: n}
}

// streamToFile writes the body to the partial file from offset zero.
func (c *Client) streamToFile(body io.Reader, partial string) (int64, error) {
	f, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("creating partial file %s: %w: %w", partial, ErrFilesystem, err)
	}

	var written int64

	buf := make([]byte, copyChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				return written, fmt.Errorf("writing partial file: %w", writeErr)
			}

			written += int64(n)

			if c.Progress != nil {
				c.Progress(written)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			f.Close()
			return written, readErr
		}
	}

	if err := f.Close(); err != nil {
		return written, fmt.Errorf("closing partial file: %w", err)
	}

	return written, nil
}

// isRetryable reports whether the HTTP status should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads a seconds-valued Retry-After header.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// calcBackoff computes exponential backoff for the given zero-based
// retry number, preferring a server-supplied Retry-After hint.
func (c *Client) calcBackoff(retry int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(retry))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
