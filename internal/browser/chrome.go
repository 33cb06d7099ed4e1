package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/config"
)

const livenessInterval = time.Second

// Chrome is an Engine backed by a Chrome/Chromium process driven over CDP.
type Chrome struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	proxy  *CaptureProxy

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	pid         int

	done      chan struct{}
	closeOnce sync.Once
	stopWatch chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	taint string
}

// NewSpawner returns a Spawner that starts Chrome engines with cfg.
func NewSpawner(cfg config.BrowserConfig, logger *zap.Logger) Spawner {
	return func(ctx context.Context) (Engine, error) {
		c, err := StartChrome(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// StartChrome launches a browser behind its own capture proxy. ctx bounds
// start-up only; the process lives until Close.
func StartChrome(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Chrome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := checkExecutable(cfg.ExecPath); err != nil {
		return nil, &SpawnError{Path: cfg.ExecPath, Err: err}
	}

	proxy := NewCaptureProxy(cfg.IgnoreTLSErrors, logger)
	if err := proxy.Start(); err != nil {
		return nil, &SpawnError{Path: cfg.ExecPath, Err: err}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, proxy.Addr())...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(logger.Sugar().Debugf))

	c := &Chrome{
		cfg:         cfg,
		logger:      logger.Named("chrome"),
		proxy:       proxy,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		done:        make(chan struct{}),
		stopWatch:   make(chan struct{}),
	}

	// The first Run allocates the process and is bound to browserCtx for
	// its whole life, so the start-up deadline is enforced from outside.
	spawnCtx, spawnCancel := context.WithTimeout(ctx, cfg.SpawnTimeout)
	defer spawnCancel()
	var product string
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(browserCtx,
			network.Enable(),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				_, product, _, _, _, err = cdpbrowser.GetVersion().Do(ctx)
				return err
			}),
		)
	}()

	var err error
	select {
	case err = <-errc:
	case <-spawnCtx.Done():
		c.shutdown()
		<-errc
		err = spawnCtx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, &SpawnError{Path: cfg.ExecPath, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}

	if cfg.MinVersion > 0 {
		major, verr := parseMajorVersion(product)
		if verr != nil || major < cfg.MinVersion {
			_ = c.Close()
			return nil, &SpawnError{
				Path: cfg.ExecPath,
				Err:  fmt.Errorf("%w: have %q, need >= %d", ErrVersionMismatch, product, cfg.MinVersion),
			}
		}
	}

	if b := chromedp.FromContext(browserCtx).Browser; b != nil && b.Process() != nil {
		c.pid = b.Process().Pid
	}
	go c.watch()

	c.logger.Info("Browser started.", zap.Int("pid", c.pid), zap.String("product", product), zap.String("proxy", proxy.Addr()))
	return c, nil
}

func allocatorOptions(cfg config.BrowserConfig, proxyAddr string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if proxyAddr != "" {
		opts = append(opts,
			chromedp.ProxyServer(proxyAddr),
			// Chrome bypasses proxies for loopback unless told otherwise.
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}
	for _, f := range parseFlags(cfg.Args) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}

type flag struct {
	name  string
	value any
}

// parseFlags turns "--name" and "name=value" arguments into allocator flags.
// chromedp adds the leading dashes itself.
func parseFlags(args []string) []flag {
	var out []flag
	for _, arg := range args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			out = append(out, flag{name: name, value: true})
			continue
		}
		out = append(out, flag{name: name, value: value})
	}
	return out
}

func checkExecutable(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrExecutableMissing
		}
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return ErrNotExecutable
	}
	return nil
}

// parseMajorVersion reads the major version out of a product string such as
// "HeadlessChrome/120.0.6099.109".
func parseMajorVersion(product string) (int, error) {
	_, version, ok := strings.Cut(product, "/")
	if !ok {
		return 0, fmt.Errorf("unrecognised product %q", product)
	}
	major, _, _ := strings.Cut(version, ".")
	return strconv.Atoi(major)
}

func (c *Chrome) watch() {
	t := time.NewTicker(livenessInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopWatch:
			return
		case <-c.ctx.Done():
			c.markDone()
			return
		case <-t.C:
			if !c.Alive() {
				c.markDone()
				return
			}
		}
	}
}

func (c *Chrome) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Chrome) transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

func (c *Chrome) Load(ctx context.Context, url string) (*Page, error) {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.PostLoadWait),
	)
	if err != nil {
		return nil, c.transportErr(ctx, "load", err)
	}
	return c.snapshot(ctx, runCtx)
}

func (c *Chrome) Snapshot(ctx context.Context) (*Page, error) {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()
	return c.snapshot(ctx, runCtx)
}

func (c *Chrome) snapshot(ctx, runCtx context.Context) (*Page, error) {
	var (
		col     collected
		dom     string
		cookies []*network.Cookie
	)
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(collectorJS, &col),
		chromedp.OuterHTML("html", &dom, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, c.transportErr(ctx, "snapshot", err)
	}

	page := buildPage(col, dom, cookies)
	page.Captures = c.proxy.Captures()

	c.mu.Lock()
	taint := c.taint
	c.mu.Unlock()
	page.TaintSinks = taintExcerpts(dom, taint)
	for _, u := range c.proxy.Tainted() {
		page.TaintSinks = append(page.TaintSinks, "request: "+u)
	}
	return page, nil
}

func (c *Chrome) RunScript(ctx context.Context, js string) (any, error) {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()

	var res any
	if err := chromedp.Run(runCtx, chromedp.Evaluate(js, &res)); err != nil {
		return nil, c.transportErr(ctx, "run script", err)
	}
	return res, nil
}

func (c *Chrome) TriggerableEvents(ctx context.Context) ([]EventTarget, error) {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()

	var col collected
	if err := chromedp.Run(runCtx, chromedp.Evaluate(collectorJS, &col)); err != nil {
		return nil, c.transportErr(ctx, "list events", err)
	}
	return dedupeEvents(col.Events), nil
}

func (c *Chrome) TriggerEvent(ctx context.Context, target EventTarget) (*Page, error) {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()

	var found bool
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(fmt.Sprintf(triggerJS, target.Locator, target.Event), &found),
		chromedp.Sleep(c.cfg.PostLoadWait),
	)
	if err != nil {
		return nil, c.transportErr(ctx, "trigger "+target.String(), err)
	}
	if !found {
		return nil, fmt.Errorf("browser: no element matches %q", target.Locator)
	}

	page, err := c.snapshot(ctx, runCtx)
	if err != nil {
		return nil, err
	}
	page.Transition = &target
	return page, nil
}

func (c *Chrome) SetTaint(taint string) {
	c.mu.Lock()
	c.taint = taint
	c.mu.Unlock()
	c.proxy.SetTaint(taint)
}

func (c *Chrome) Reset(ctx context.Context) error {
	c.SetTaint("")
	c.proxy.Reset()

	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		return c.transportErr(ctx, "reset", err)
	}
	return nil
}

func (c *Chrome) Pid() int { return c.pid }

func (c *Chrome) Alive() bool {
	if c.ctx.Err() != nil {
		return false
	}
	b := chromedp.FromContext(c.ctx).Browser
	if b == nil || b.Process() == nil {
		return false
	}
	return b.Process().Signal(syscall.Signal(0)) == nil
}

func (c *Chrome) Done() <-chan struct{} { return c.done }

// Close kills the process and stops the proxy. It is safe to call twice.
func (c *Chrome) Close() error {
	c.shutdown()
	return c.proxy.Close()
}

func (c *Chrome) shutdown() {
	c.cancel()
	c.allocCancel()
	c.stopOnce.Do(func() { close(c.stopWatch) })
	c.markDone()
}
