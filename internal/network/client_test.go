package network

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mango-archiver/internal/mirrors"
)

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestClient_Headers(t *testing.T) {
	var gotUA, gotReferer, gotSource string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := NewClient(5*time.Second, nil, zerolog.Nop())
	c.Configure("src", SourceOptions{UserAgent: "test-agent", Referer: "https://example.org/"})

	resp, err := c.Get(context.Background(), "src", server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "https://example.org/", gotReferer)

	resp, err = c.Get(context.Background(), "other", server.URL, http.Header{"Referer": {"https://custom/"}})
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "https://custom/", gotReferer)

	ctx := WithSource(context.Background(), "tagged")
	gotSource, _ = SourceFromContext(ctx)
	assert.Equal(t, "tagged", gotSource)
	_, ok := SourceFromContext(context.Background())
	assert.False(t, ok)
}

func TestClient_Decompression(t *testing.T) {
	payload := bytes.Repeat([]byte("page data "), 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			zw.Write(payload)
			zw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(w)
			bw.Write(payload)
			bw.Close()
		default:
			w.Write(payload)
		}
	}))
	defer server.Close()

	c := NewClient(5*time.Second, nil, zerolog.Nop())
	for _, path := range []string{"/gzip", "/br", "/plain"} {
		t.Run(path, func(t *testing.T) {
			resp, err := c.Get(context.Background(), "src", server.URL+path, nil)
			require.NoError(t, err)
			assert.Equal(t, string(payload), readBody(t, resp))
		})
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()
	c := NewClient(5*time.Second, nil, zerolog.Nop())

	_, err := c.Get(context.Background(), "src", server.URL+"/limited", nil)
	var tooMany *TooManyRequestsError
	require.True(t, errors.As(err, &tooMany))
	assert.Equal(t, 3*time.Second, tooMany.RetryAfter)
	assert.True(t, IsRetryable(err))
	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, err = c.Get(context.Background(), "src", server.URL+"/missing", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.False(t, IsRetryable(err))

	_, err = c.Get(context.Background(), "src", server.URL+"/broken", nil)
	assert.True(t, IsRetryable(err))
}

func TestClient_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("never"))
	}))
	defer server.Close()
	c := NewClient(5*time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, "src", server.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestClient_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()
	c := NewClient(5*time.Second, nil, zerolog.Nop())
	c.Configure("slow", SourceOptions{RateLimit: 10})

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), "slow", server.URL, nil)
		require.NoError(t, err)
		readBody(t, resp)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestClient_MirrorFailover(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mirror " + r.URL.Path))
	}))
	defer up.Close()

	t.Run("switches to a healthy mirror", func(t *testing.T) {
		reg := mirrors.NewRegistry(zerolog.Nop())
		reg.Register("src", []string{hostOf(t, down.URL), hostOf(t, up.URL)})
		c := NewClient(5*time.Second, reg, zerolog.Nop())

		resp, err := c.Get(context.Background(), "src", down.URL+"/page/1", nil)
		require.NoError(t, err)
		assert.Equal(t, "mirror /page/1", readBody(t, resp))
		current, _ := reg.Domain("src")
		assert.Equal(t, hostOf(t, up.URL), current)
		assert.Equal(t, []string{hostOf(t, down.URL)}, reg.Blacklisted("src"))
	})

	t.Run("exhaustion restores the original domain", func(t *testing.T) {
		other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer other.Close()

		reg := mirrors.NewRegistry(zerolog.Nop())
		reg.Register("src", []string{hostOf(t, down.URL), hostOf(t, other.URL)})
		c := NewClient(5*time.Second, reg, zerolog.Nop())

		_, err := c.Get(context.Background(), "src", down.URL+"/x", nil)
		var httpErr *HTTPError
		require.True(t, errors.As(err, &httpErr))
		assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode, "the original error is surfaced")
		current, _ := reg.Domain("src")
		assert.Equal(t, hostOf(t, down.URL), current)
		assert.NotContains(t, reg.Blacklisted("src"), current)
	})

	t.Run("other hosts are not failed over", func(t *testing.T) {
		reg := mirrors.NewRegistry(zerolog.Nop())
		reg.Register("src", []string{"example.invalid", hostOf(t, up.URL)})
		c := NewClient(5*time.Second, reg, zerolog.Nop())

		_, err := c.Get(context.Background(), "src", down.URL, nil)
		assert.Error(t, err)
		current, _ := reg.Domain("src")
		assert.Equal(t, "example.invalid", current)
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
