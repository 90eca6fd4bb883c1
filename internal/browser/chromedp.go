package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/lucid/internal/logging"
)

// ChromeDPProvider runs one browser and hands out sessions in fresh browser
// contexts.
type ChromeDPProvider struct {
	cfg    Config
	logger logging.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeDPProvider launches (or connects to) a browser.
func NewChromeDPProvider(cfg Config, logger logging.Logger) (*ChromeDPProvider, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	componentLogger := logger.With(logging.Field{Key: "backend", Value: "chromedp"})

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	componentLogger.Info("created chromedp browser provider",
		logging.Field{Key: "headless", Value: cfg.Headless},
		logging.Field{Key: "remote", Value: cfg.RemoteURL != ""})

	return &ChromeDPProvider{
		cfg:           cfg,
		logger:        componentLogger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewSession opens a tab in a new browser context.
func (p *ChromeDPProvider) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sctx, cancel := chromedp.NewContext(p.browserCtx, chromedp.WithNewBrowserContext())
	drv := &chromedpDriver{ctx: sctx, cancel: cancel, idle: p.cfg.NetworkIdle}
	if err := drv.run(ctx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	if c := chromedp.FromContext(sctx); c != nil && c.Target != nil {
		drv.id = string(c.Target.TargetID)
	}
	return NewPage(drv, p.logger), nil
}

// Close shuts the browser down.
func (p *ChromeDPProvider) Close() error {
	p.browserCancel()
	p.allocCancel()
	return nil
}

type chromedpDriver struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	idle   time.Duration
	once   sync.Once
}

func (d *chromedpDriver) ID() string { return d.id }

// run executes actions on the session's target, bounded by the caller's ctx.
func (d *chromedpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDl context.CancelFunc
		runCtx, cancelDl = context.WithDeadline(runCtx, dl)
		defer cancelDl()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// waitNetworkIdle signals once no request has been in flight for idleAfter.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) <-chan struct{} {
	idleChan := make(chan struct{}, 1)
	var activeReqs int32
	var timer *time.Timer
	var timerMu sync.Mutex
	var once sync.Once

	startTimer := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) <= 0 {
				once.Do(func() { idleChan <- struct{}{} })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) <= 0 {
				startTimer()
			}
		}
	})
	startTimer()
	return idleChan
}

func (d *chromedpDriver) Navigate(ctx context.Context, url string) error {
	listenCtx, stopListening := context.WithCancel(d.ctx)
	defer stopListening()
	idle := waitNetworkIdle(listenCtx, d.idle)

	if err := d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return err
	}

	// Settle on network idle, but never wait longer than a few idle periods.
	select {
	case <-idle:
	case <-time.After(4 * d.idle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *chromedpDriver) URL(ctx context.Context) (string, error) {
	var u string
	err := d.run(ctx, chromedp.Location(&u))
	return u, err
}

func (d *chromedpDriver) Evaluate(ctx context.Context, expr string, out any) error {
	return d.run(ctx, chromedp.Evaluate(expr, out))
}

func (d *chromedpDriver) ClickAt(ctx context.Context, x, y float64) error {
	return d.run(ctx, chromedp.MouseClickXY(x, y))
}

func (d *chromedpDriver) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (d *chromedpDriver) ClearCache(ctx context.Context) error {
	return d.run(ctx, network.ClearBrowserCache(), network.ClearBrowserCookies())
}

func (d *chromedpDriver) Reload(ctx context.Context) error {
	return d.run(ctx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
}

// Close disposes the tab and its browser context.
func (d *chromedpDriver) Close() error {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
	return nil
}
