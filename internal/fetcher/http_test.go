package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/planogram-cli/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(Options{
		UserAgent:   "test-agent",
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		HostRate:    1000,
		Backoff:     resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
}

func servePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func TestFetchPhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "image/*", r.Header.Get("Accept"))
		servePNG(w, []byte("png-bytes"))
	}))
	defer srv.Close()

	photo, err := newTestFetcher().FetchPhoto(context.Background(), srv.URL+"/aisle.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(photo.Data))
	assert.Equal(t, "image/png", photo.ContentType)
	assert.Equal(t, srv.URL+"/aisle.png", photo.URL)
}

func TestFetchPhoto_AcceptsOctetStream(t *testing.T) {
	for _, ct := range []string{"", "application/octet-stream", "binary/octet-stream", "image/jpeg; charset=binary"} {
		t.Run(ct, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header()["Content-Type"] = []string{ct}
				_, _ = w.Write([]byte{0xff, 0xd8})
			}))
			defer srv.Close()

			photo, err := newTestFetcher().FetchPhoto(context.Background(), srv.URL)
			require.NoError(t, err)
			assert.Len(t, photo.Data, 2)
		})
	}
}

func TestFetchPhoto_RejectsHTML(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>sign in</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().FetchPhoto(context.Background(), srv.URL+"/login")
	require.ErrorIs(t, err, ErrNotAnImage)
	assert.Contains(t, err.Error(), "text/html")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchPhoto_RejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(64))
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := newTestFetcher()
	f.opts.MaxBytes = 16

	_, err := f.FetchPhoto(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrPhotoTooLarge)
	assert.Contains(t, err.Error(), "64 bytes exceeds 16 bytes")
}

func TestFetchPhoto_RejectsStreamedOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		flusher := w.(http.Flusher)
		for range 4 {
			_, _ = w.Write(make([]byte, 8))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f := newTestFetcher()
	f.opts.MaxBytes = 16

	_, err := f.FetchPhoto(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrPhotoTooLarge)
	assert.Contains(t, err.Error(), "body exceeds 16 bytes")
}

func TestFetchPhoto_RetriesServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		servePNG(w, []byte("ok"))
	}))
	defer srv.Close()

	photo, err := newTestFetcher().FetchPhoto(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(photo.Data))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchPhoto_AttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher()
	f.opts.MaxAttempts = 2

	_, err := f.FetchPhoto(context.Background(), srv.URL+"/down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(2 attempts)")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestFetchPhoto_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher().FetchPhoto(context.Background(), srv.URL+"/private.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 403")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchPhoto_InvalidURL(t *testing.T) {
	_, err := newTestFetcher().FetchPhoto(context.Background(), "://invalid-url")
	assert.ErrorContains(t, err, "invalid photo url")
}

func TestFetchPhoto_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		servePNG(w, []byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher().FetchPhoto(ctx, srv.URL)
	require.Error(t, err)
}

func TestFetchPhoto_PacesPerHost(t *testing.T) {
	var mu sync.Mutex
	var reqTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		reqTimes = append(reqTimes, time.Now())
		mu.Unlock()
		servePNG(w, []byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{MaxAttempts: 1, HostRate: 2})
	for range 3 {
		_, err := f.FetchPhoto(context.Background(), srv.URL+"/limited")
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqTimes, 3)
	assert.GreaterOrEqual(t, reqTimes[2].Sub(reqTimes[0]).Milliseconds(), int64(250), "requests should be paced")
}

func TestFetchPhoto_429SlowsHost(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		servePNG(w, []byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.FetchPhoto(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	u, _ := url.Parse(srv.URL)
	// Two halvings then one 20% recovery.
	assert.InDelta(t, 1000*0.25*1.2, float64(f.throttle(u.Host).Limit()), 0.5)
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(Options{})
	assert.Equal(t, "planogram-cli/1.0", f.opts.UserAgent)
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, 3, f.opts.MaxAttempts)
	assert.InDelta(t, 5.0, float64(f.opts.HostRate), 1e-9)
	assert.Equal(t, int64(DefaultMaxPhotoBytes), f.opts.MaxBytes)
}

func TestThrottle_SharedPerHost(t *testing.T) {
	f := newTestFetcher()
	a := f.throttle("images.example.com")
	b := f.throttle("images.example.com")
	c := f.throttle("cdn.example.com")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestHostThrottle_Bounds(t *testing.T) {
	h := newHostThrottle(10)

	h.speedUp()
	assert.InDelta(t, 12.0, float64(h.Limit()), 0.1)
	for range 20 {
		h.speedUp()
	}
	assert.InDelta(t, 20.0, float64(h.Limit()), 0.1)

	for range 20 {
		h.slowDown("example.com")
	}
	assert.InDelta(t, 2.5, float64(h.Limit()), 0.1)
}

func TestHostThrottle_WaitContextCancelled(t *testing.T) {
	h := newHostThrottle(rate.Limit(0.001))
	require.NoError(t, h.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, h.Wait(ctx))
}

func TestStatusError_Transient(t *testing.T) {
	assert.True(t, (&StatusError{StatusCode: 429}).Transient())
	assert.True(t, (&StatusError{StatusCode: 503}).Transient())
	assert.False(t, (&StatusError{StatusCode: 404}).Transient())
	assert.True(t, resilience.IsTransient(&StatusError{StatusCode: 502}))
}
