// File: internal/httpclient/client.go
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/observability"
)

// Tuned transport settings for audit workloads: many small requests to few hosts.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxIdleConns          = 100
	DefaultMaxIdleConnsPerHost   = 20
	DefaultMaxConnsPerHost       = 50
	DefaultIdleConnTimeout       = 30 * time.Second
	DefaultMaxBodySize           = 10 * 1024 * 1024
	MaxRedirects                 = 5
)

// Request describes a single HTTP submission.
type Request struct {
	Method string
	URL    string
	// Query is merged into the URL's existing query string.
	Query url.Values
	// Form is sent urlencoded as the body of non-GET requests.
	Form    url.Values
	Headers http.Header
	// FollowRedirects makes Do chase up to MaxRedirects Location headers.
	FollowRedirects bool
}

// Response is a fully read, decoded HTTP response.
type Response struct {
	// URL is the final URL of the response.
	URL        string
	RequestURL string
	Code       int
	Headers    http.Header
	Body       string
	Time       time.Duration
}

// OK reports a 200 response.
func (r *Response) OK() bool { return r.Code == http.StatusOK }

// Client performs rate limited requests and returns whole, decoded responses.
// It is safe for concurrent use.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	headers   http.Header
	userAgent string
	maxBody   int64
	logger    *zap.Logger

	requests atomic.Int64

	mu    sync.RWMutex
	hooks []func(*Response)
}

// New builds a Client from the network configuration.
func New(cfg config.NetworkConfig) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	logger := observability.GetLogger().Named("httpclient")
	return &Client{
		http: &http.Client{
			Transport: newTransport(cfg.IgnoreTLSErrors, logger),
			Timeout:   timeout,
			Jar:       jar,
			// Redirects are responses in their own right here, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   rate.NewLimiter(limit, burst),
		headers:   headers,
		userAgent: cfg.UserAgent,
		maxBody:   maxBody,
		logger:    logger,
	}, nil
}

func newTransport(insecure bool, logger *zap.Logger) *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAliveInterval}
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure,
			ClientSessionCache: tls.NewLRUClientSessionCache(512),
		},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport
}

// OnResponse registers a hook run for every completed response.
func (c *Client) OnResponse(fn func(*Response)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// RequestCount returns how many requests were sent so far.
func (c *Client) RequestCount() int64 { return c.requests.Load() }

// Get is shorthand for a bare GET of rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL})
}

// Do sends req and reads the whole response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil || !req.FollowRedirects {
		return resp, err
	}

	for i := 0; i < MaxRedirects && isRedirect(resp.Code); i++ {
		next, err := resolveLocation(resp)
		if err != nil {
			return resp, nil
		}
		redirected, err := c.do(ctx, &Request{Method: http.MethodGet, URL: next, Headers: req.Headers})
		if err != nil {
			return nil, err
		}
		redirected.RequestURL = resp.RequestURL
		resp = redirected
	}
	return resp, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(resp *Response) (string, error) {
	loc := resp.Headers.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("redirect without location")
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return "", err
	}
	target, err := base.Parse(loc)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.requests.Add(1)
	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", httpReq.URL.Redacted(), err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", httpReq.URL.Redacted(), err)
	}
	body, err := decodeBody(httpResp.Header.Values("Content-Encoding"), raw, c.maxBody)
	if err != nil {
		c.logger.Debug("Could not decode response body, keeping raw bytes.",
			zap.String("url", httpReq.URL.String()), zap.Error(err))
		body = raw
	}

	resp := &Response{
		URL:        httpResp.Request.URL.String(),
		RequestURL: httpReq.URL.String(),
		Code:       httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       string(body),
		Time:       time.Since(start),
	}

	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(resp)
	}
	return resp, nil
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && len(req.Form) > 0 {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		httpReq.Header[k] = vs
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, vs := range req.Headers {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}
