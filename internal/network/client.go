// Package network is the HTTP client shared by every source. It applies the
// per-source rate limit and headers, decodes compressed bodies, classifies
// error responses and fails over to alternate mirrors.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/mirrors"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// SourceOptions tunes requests made on behalf of one source.
type SourceOptions struct {
	// RateLimit is the number of requests per second, 0 for unlimited.
	RateLimit float64
	UserAgent string
	Referer   string
}

type sourceKey struct{}

// WithSource tags ctx with the source a request is made for.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the source tag set by WithSource.
func SourceFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(sourceKey{}).(string)
	return s, ok && s != ""
}

// Client issues source-aware GET requests.
type Client struct {
	http      *http.Client
	mirrors   *mirrors.Registry
	userAgent string
	log       zerolog.Logger

	mu       sync.Mutex
	sources  map[string]SourceOptions
	limiters map[string]*rate.Limiter
}

// NewClient creates a client. registry may be nil, which disables mirror
// failover.
func NewClient(timeout time.Duration, registry *mirrors.Registry, logger zerolog.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		mirrors:   registry,
		userAgent: DefaultUserAgent,
		log:       logger.With().Str("component", "network").Logger(),
		sources:   make(map[string]SourceOptions),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Configure sets the options of a source, replacing its rate limiter.
func (c *Client) Configure(source string, opts SourceOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[source] = opts
	delete(c.limiters, source)
}

// Mirrors returns the registry used for failover.
func (c *Client) Mirrors() *mirrors.Registry { return c.mirrors }

func (c *Client) limiter(source string) (*rate.Limiter, SourceOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := c.sources[source]
	l, ok := c.limiters[source]
	if !ok {
		limit := rate.Inf
		if opts.RateLimit > 0 {
			limit = rate.Limit(opts.RateLimit)
		}
		l = rate.NewLimiter(limit, 1)
		c.limiters[source] = l
	}
	return l, opts
}

// Get fetches rawURL for source. Responses with a status of 400 or more are
// returned as errors with the body closed. When the request was addressed to
// the current mirror of the source and the domain looks down, the request is
// retried on the remaining mirrors; if none answers, the original domain is
// restored and the original error returned.
func (c *Client) Get(ctx context.Context, source, rawURL string, header http.Header) (*http.Response, error) {
	ctx = WithSource(ctx, source)
	resp, err := c.do(ctx, source, rawURL, header)
	if err == nil || !failover(err) || c.mirrors == nil {
		return resp, err
	}

	u, perr := url.Parse(rawURL)
	current, ok := c.mirrors.Domain(source)
	if perr != nil || !ok || u.Host != current {
		return nil, err
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		next, serr := c.mirrors.TrySwitch(source)
		if serr != nil {
			c.mirrors.Rollback(source, current)
			return nil, err
		}
		u.Host = next
		c.log.Debug().Str("source", source).Str("url", u.String()).Msg("Retrying on mirror")
		resp, rerr := c.do(ctx, source, u.String(), header)
		if rerr == nil {
			return resp, nil
		}
		if !failover(rerr) {
			return nil, rerr
		}
	}
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, source, rawURL string, v any) error {
	header := http.Header{}
	header.Set("Accept", "application/json")
	resp, err := c.Get(ctx, source, rawURL, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, source, rawURL string, header http.Header) (*http.Response, error) {
	limiter, opts := c.limiter(source)
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if req.Header.Get("User-Agent") == "" {
		ua := opts.UserAgent
		if ua == "" {
			ua = c.userAgent
		}
		req.Header.Set("User-Agent", ua)
	}
	if req.Header.Get("Referer") == "" && opts.Referer != "" {
		req.Header.Set("Referer", opts.Referer)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp)
		return nil, &TooManyRequestsError{
			URL:        rawURL,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode >= 400:
		drain(resp)
		return nil, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if err := decompress(resp); err != nil {
		drain(resp)
		return nil, err
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
