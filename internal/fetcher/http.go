package fetcher

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/planogram-cli/internal/resilience"
)

// DefaultMaxPhotoBytes caps a downloaded photograph.
const DefaultMaxPhotoBytes = 25 << 20

// Options configures HTTPFetcher.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// MaxAttempts bounds the tries per photo, including the first.
	MaxAttempts int
	// HostRate is the starting request rate per host.
	HostRate rate.Limit
	// MaxBytes caps a photo body. A larger Content-Length is rejected
	// before the body is read.
	MaxBytes int64
	// Backoff shapes the delay between attempts. Zero fields take the
	// resilience defaults.
	Backoff resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "planogram-cli/1.0"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.HostRate <= 0 {
		o.HostRate = 5
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxPhotoBytes
	}
	return o
}

// hostThrottle paces requests to one host. A 429 halves the rate, down to a
// quarter of the start; each success recovers 20%, up to double.
type hostThrottle struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	start rate.Limit
}

func newHostThrottle(r rate.Limit) *hostThrottle {
	return &hostThrottle{lim: rate.NewLimiter(r, max(1, int(r))), start: r}
}

func (h *hostThrottle) Wait(ctx context.Context) error {
	return h.lim.Wait(ctx)
}

func (h *hostThrottle) Limit() rate.Limit {
	return h.lim.Limit()
}

func (h *hostThrottle) scale(factor float64) rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.lim.Limit() * rate.Limit(factor)
	next = min(max(next, h.start/4), h.start*2)
	h.lim.SetLimit(next)
	return next
}

func (h *hostThrottle) speedUp() { h.scale(1.2) }

func (h *hostThrottle) slowDown(host string) {
	next := h.scale(0.5)
	zap.L().Warn("fetcher: host rate limited, slowing down",
		zap.String("host", host),
		zap.Float64("rate", float64(next)),
	)
}

// HTTPFetcher downloads photos with per-host pacing, retry, and a byte cap.
type HTTPFetcher struct {
	client *http.Client
	opts   Options

	mu    sync.Mutex
	hosts map[string]*hostThrottle
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	opts = opts.withDefaults()
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:  opts,
		hosts: make(map[string]*hostThrottle),
	}
}

func (f *HTTPFetcher) throttle(host string) *hostThrottle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[host]
	if !ok {
		h = newHostThrottle(f.opts.HostRate)
		f.hosts[host] = h
	}
	return h
}

// FetchPhoto downloads the photograph at rawURL.
func (f *HTTPFetcher) FetchPhoto(ctx context.Context, rawURL string) (*Photo, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("fetcher: invalid photo url %q", rawURL)
	}
	h := f.throttle(u.Host)

	retry := f.opts.Backoff
	retry.MaxAttempts = f.opts.MaxAttempts
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("fetcher: retrying photo download",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	photo, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context, _ int) (*Photo, error) {
		return f.fetchOnce(ctx, rawURL, h)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s (%d attempts)", rawURL, attempts)
	}
	return photo, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string, h *hostThrottle) (*Photo, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			h.slowDown(req.URL.Host)
		}
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	contentType, err := imageContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	data, err := readCapped(resp, f.opts.MaxBytes)
	if err != nil {
		return nil, err
	}

	h.speedUp()
	return &Photo{URL: rawURL, ContentType: contentType, Data: data}, nil
}

// imageContentType accepts image/* and untyped binary bodies.
func imageContentType(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", eris.Wrapf(ErrNotAnImage, "content type %q", header)
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"),
		mediaType == "application/octet-stream",
		mediaType == "binary/octet-stream":
		return mediaType, nil
	default:
		return "", eris.Wrapf(ErrNotAnImage, "content type %s", mediaType)
	}
}

func readCapped(resp *http.Response, limit int64) ([]byte, error) {
	if resp.ContentLength > limit {
		return nil, eris.Wrapf(ErrPhotoTooLarge, "%d bytes exceeds %d bytes", resp.ContentLength, limit)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	if int64(len(data)) > limit {
		return nil, eris.Wrapf(ErrPhotoTooLarge, "body exceeds %d bytes", limit)
	}
	return data, nil
}
