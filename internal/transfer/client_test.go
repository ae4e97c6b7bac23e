package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient creates a Client with instant retry sleeps.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	c := NewClient(http.DefaultClient, nil)
	c.sleepFunc = noopSleep

	return c
}

const payload = "sentinel-2 granule bytes, definitely a raster"

func TestFetch_Success(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "granule.tif")

	got, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, int32(1), requests.Load())

	// The temporary sibling is gone after the rename.
	_, err = os.Stat(dest + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	var requests atomic.Int32

	dest := filepath.Join(t.TempDir(), "granule.tif")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// The destination path must not exist at any point before the
		// final rename — also not between retries.
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr), "destination must not exist mid-transfer")

		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	got, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	require.NoError(t, err)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data), "retried download must be byte-identical")
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetch_TerminalStatusFailsImmediately(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing.tif")

	_, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	assert.Equal(t, int32(1), requests.Load(), "404 must not consume retries")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no bytes may reach the destination path")
}

func TestFetch_RetryableStatuses(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			var requests atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if requests.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}

				fmt.Fprint(w, payload)
			}))
			defer srv.Close()

			dest := filepath.Join(t.TempDir(), "out.bin")

			_, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
			require.NoError(t, err)
			assert.Equal(t, int32(2), requests.Load())
		})
	}
}

func TestFetch_BudgetExhausted(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "never.bin")

	_, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	assert.ErrorIs(t, err, ErrTransferFailed)

	// 5 connection-phase retries on top of the first attempt.
	assert.Equal(t, int32(maxConnectRetries+1), requests.Load())

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetch_HonorsRetryAfter(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	c := NewClient(http.DefaultClient, nil)

	var slept []time.Duration

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	dest := filepath.Join(t.TempDir(), "out.bin")

	_, err := c.Fetch(context.Background(), srv.URL, dest, "tok")
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestFetch_ReadPhaseFailureRetries(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			// Promise more bytes than we send, then cut the connection:
			// the client sees an unexpected EOF mid-stream.
			w.Header().Set("Content-Length", "1048576")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("partial"))

			panic(http.ErrAbortHandler)
		}

		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")

	got, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	require.NoError(t, err)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data), "partial bytes from the failed attempt must not leak in")
	assert.Equal(t, int32(2), requests.Load())
}

func TestFetch_ProgressCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	c := newTestClient(t)

	var last int64

	c.Progress = func(bytes int64) { last = bytes }

	dest := filepath.Join(t.TempDir(), "out.bin")

	_, err := c.Fetch(context.Background(), srv.URL, dest, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), last)
}

func TestFetch_FilesystemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	// A regular file where a directory component should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	dest := filepath.Join(blocker, "sub", "out.bin")

	_, err := newTestClient(t).Fetch(context.Background(), srv.URL, dest, "tok")
	assert.ErrorIs(t, err, ErrFilesystem)
}

func TestFetch_ContextCancellationStopsRetries(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c := NewClient(http.DefaultClient, nil)
	c.sleepFunc = func(_ context.Context, _ time.Duration) error {
		cancel()
		return context.Canceled
	}

	dest := filepath.Join(t.TempDir(), "out.bin")

	_, err := c.Fetch(ctx, srv.URL, dest, "tok")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.LessOrEqual(t, requests.Load(), int32(2))
}

func TestCalcBackoff(t *testing.T) {
	c := NewClient(nil, nil)

	tests := []struct {
		retry      int
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, 0, 500 * time.Millisecond},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{0, 7 * time.Second, 7 * time.Second}, // server hint wins
		{20, 0, maxBackoff},                   // capped
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.calcBackoff(tt.retry, tt.retryAfter))
	}
}
