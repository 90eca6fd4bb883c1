package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/raysh454/lucid/internal/logging"
)

// RodProvider is the go-rod backend. Sessions are incognito browser
// contexts, optionally with stealth patches applied.
type RodProvider struct {
	cfg     Config
	logger  logging.Logger
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewRodProvider launches a local Chrome or connects to cfg.RemoteURL.
func NewRodProvider(cfg Config, logger logging.Logger) (*RodProvider, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	componentLogger := logger.With(logging.Field{Key: "backend", Value: "rod"})

	p := &RodProvider{cfg: cfg, logger: componentLogger}

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight))
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
		p.lnch = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if p.lnch != nil {
			p.lnch.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	p.browser = b

	componentLogger.Info("created rod browser provider",
		logging.Field{Key: "stealth", Value: cfg.Stealth},
		logging.Field{Key: "remote", Value: cfg.RemoteURL != ""})
	return p, nil
}

func (p *RodProvider) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	incognito, err := p.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("open incognito context: %w", err)
	}

	var pg *rod.Page
	if p.cfg.Stealth {
		pg, err = stealth.Page(incognito)
	} else {
		pg, err = incognito.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create tab: %w", err)
	}

	err = proto.EmulationSetDeviceMetricsOverride{
		Width:  p.cfg.ViewportWidth,
		Height: p.cfg.ViewportHeight,
		// DeviceScaleFactor 1 keeps hit-test coordinates in CSS pixels.
		DeviceScaleFactor: 1,
	}.Call(pg)
	if err != nil {
		p.logger.Warn("setting viewport failed", logging.Field{Key: "error", Value: err.Error()})
	}

	drv := &rodDriver{ctx: incognito, page: pg}
	return NewPage(drv, p.logger), nil
}

func (p *RodProvider) Close() error {
	var err error
	if p.browser != nil {
		err = p.browser.Close()
	}
	if p.lnch != nil {
		p.lnch.Kill()
	}
	return err
}

type rodDriver struct {
	ctx  *rod.Browser
	page *rod.Page
	once sync.Once
}

func (d *rodDriver) ID() string {
	if d.page == nil {
		return ""
	}
	return string(d.page.TargetID)
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	pg := d.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (d *rodDriver) URL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *rodDriver) Evaluate(ctx context.Context, expr string, out any) error {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
	}.Call(d.page.Context(ctx))
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("script exception: %s", res.ExceptionDetails.Text)
	}
	if out == nil || res.Result == nil {
		return nil
	}
	raw, err := json.Marshal(res.Result.Value)
	if err != nil {
		return err
	}
	if string(raw) == "null" {
		return errors.New("script returned no value")
	}
	return json.Unmarshal(raw, out)
}

func (d *rodDriver) ClickAt(ctx context.Context, x, y float64) error {
	pg := d.page.Context(ctx)
	if err := pg.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return pg.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (d *rodDriver) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	q := quality
	return d.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
}

func (d *rodDriver) ClearCache(ctx context.Context) error {
	pg := d.page.Context(ctx)
	if err := (proto.NetworkClearBrowserCache{}).Call(pg); err != nil {
		return err
	}
	return proto.NetworkClearBrowserCookies{}.Call(pg)
}

func (d *rodDriver) Reload(ctx context.Context) error {
	pg := d.page.Context(ctx)
	if err := pg.Reload(); err != nil {
		return err
	}
	return pg.WaitLoad()
}

// Close closes the tab and disposes the incognito context.
func (d *rodDriver) Close() error {
	var err error
	d.once.Do(func() {
		if d.page != nil {
			err = d.page.Close()
		}
		if d.ctx != nil {
			if cerr := d.ctx.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
