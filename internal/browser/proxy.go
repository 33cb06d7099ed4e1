package browser

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// TaintHeader carries the active taint on every request the browser sends
// while a taint is armed.
const TaintHeader = "X-Domscout-Taint"

const maxCaptureBody = 64 << 10

// CaptureProxy sits between one browser and the network. It records every
// plain HTTP request the browser makes and stamps the active taint onto it.
// HTTPS is tunnelled without interception.
type CaptureProxy struct {
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger

	mu       sync.Mutex
	taint    string
	captures []Capture
	tainted  []string
}

// NewCaptureProxy builds the proxy. Call Start to begin listening.
func NewCaptureProxy(insecure bool, logger *zap.Logger) *CaptureProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec
		MaxIdleConns:          20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	cp := &CaptureProxy{
		proxy:  proxy,
		logger: logger.Named("capture_proxy"),
	}
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return goproxy.OkConnect, host
	}))
	proxy.OnRequest().DoFunc(cp.handleRequest)
	proxy.OnResponse().DoFunc(cp.handleResponse)
	return cp
}

// Start listens on an ephemeral loopback port.
func (cp *CaptureProxy) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("capture proxy listen: %w", err)
	}
	cp.listener = ln
	cp.server = &http.Server{
		Handler:           cp.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := cp.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cp.logger.Warn("Capture proxy stopped unexpectedly.", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the proxy URL to hand to the browser.
func (cp *CaptureProxy) Addr() string {
	if cp.listener == nil {
		return ""
	}
	return "http://" + cp.listener.Addr().String()
}

// ServeHTTP lets the proxy be mounted on an existing server.
func (cp *CaptureProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cp.proxy.ServeHTTP(w, r)
}

func (cp *CaptureProxy) SetTaint(taint string) {
	cp.mu.Lock()
	cp.taint = taint
	cp.mu.Unlock()
}

// Captures returns the requests seen since the last Reset.
func (cp *CaptureProxy) Captures() []Capture {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]Capture(nil), cp.captures...)
}

// Tainted returns the URLs of requests whose URL or body carried the taint.
func (cp *CaptureProxy) Tainted() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.tainted...)
}

// Reset disarms the taint and drops buffered captures.
func (cp *CaptureProxy) Reset() {
	cp.mu.Lock()
	cp.taint = ""
	cp.captures = nil
	cp.tainted = nil
	cp.mu.Unlock()
}

func (cp *CaptureProxy) Close() error {
	if cp.server == nil {
		return nil
	}
	return cp.server.Close()
}

func (cp *CaptureProxy) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxCaptureBody))
		if err != nil {
			cp.logger.Debug("Could not read request body.", zap.String("url", r.URL.String()), zap.Error(err))
		}
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	}

	cp.mu.Lock()
	taint := cp.taint
	c := Capture{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
		Body:   string(body),
	}
	cp.captures = append(cp.captures, c)
	if taint != "" && (strings.Contains(c.URL, taint) || strings.Contains(c.Body, taint)) {
		cp.tainted = append(cp.tainted, c.URL)
	}
	cp.mu.Unlock()

	if taint != "" {
		r.Header.Set(TaintHeader, taint)
	}
	return r, nil
}

func (cp *CaptureProxy) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r != nil {
		return r
	}
	msg := "unknown error"
	if ctx.Error != nil {
		msg = ctx.Error.Error()
	}
	cp.logger.Debug("Upstream failed.", zap.String("url", requestURL(ctx)), zap.String("error", msg))

	status := http.StatusBadGateway
	if ctx.Req == nil {
		return &http.Response{
			StatusCode: status,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("upstream connection failed: " + msg)),
		}
	}
	var netErr net.Error
	if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
	}
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, status, "upstream connection failed: "+msg)
}

func requestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}
