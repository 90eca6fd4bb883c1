package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
)

// Driver is the small set of primitives a backend must provide. Page builds
// the full Session on top of it.
type Driver interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Evaluate runs a JS expression and decodes its JSON value into out.
	// out may be nil.
	Evaluate(ctx context.Context, expr string, out any) error
	ClickAt(ctx context.Context, x, y float64) error
	Screenshot(ctx context.Context, quality int) ([]byte, error)
	ClearCache(ctx context.Context) error
	Reload(ctx context.Context) error
	Close() error
}

const layoutLimit = 200

const reachabilityLimit = 20

// Page implements Session over a Driver.
type Page struct {
	drv    Driver
	logger logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewPage wraps drv. logger may be nil.
func NewPage(drv Driver, logger logging.Logger) *Page {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Page{
		drv:    drv,
		logger: logger.With(logging.Field{Key: "session", Value: drv.ID()}),
	}
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) ID() string { return p.drv.ID() }

func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.isClosed() {
		return ErrSessionClosed
	}
	p.logger.Debug("navigating", logging.Field{Key: "url", Value: url})
	if err := p.drv.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrSessionClosed
	}
	return p.drv.URL(ctx)
}

func (p *Page) Act(ctx context.Context, instruction string, opts ActOptions) (*ActResult, error) {
	label := ParseInstruction(instruction)
	if label == "" {
		return nil, ErrEmptyInstruction
	}
	return p.hit(ctx, "", label, opts)
}

func (p *Page) Click(ctx context.Context, selector string, opts ActOptions) (*ActResult, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, ErrEmptyInstruction
	}
	return p.hit(ctx, selector, "", opts)
}

func (p *Page) hit(ctx context.Context, selector, label string, opts ActOptions) (*ActResult, error) {
	if p.isClosed() {
		return nil, ErrSessionClosed
	}
	var res ActResult
	if err := p.drv.Evaluate(ctx, call(hitTestJS, selector, label), &res); err != nil {
		return nil, fmt.Errorf("hit test: %w", err)
	}
	if !res.Found {
		return &res, ErrTargetNotFound
	}
	if res.Occluded {
		p.logger.Debug("target occluded",
			logging.Field{Key: "target", Value: locatorSelector(res.Target)},
			logging.Field{Key: "interceptor", Value: locatorSelector(res.Interceptor)})
		return &res, nil
	}
	if opts.Trial {
		return &res, nil
	}
	if err := p.drv.ClickAt(ctx, res.X, res.Y); err != nil {
		return &res, fmt.Errorf("click at (%.0f,%.0f): %w", res.X, res.Y, err)
	}
	res.Clicked = true
	return &res, nil
}

func locatorSelector(l *model.ElementLocator) string {
	if l == nil {
		return ""
	}
	return l.Selector
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if p.isClosed() {
		return false, ErrSessionClosed
	}
	var ok bool
	if err := p.drv.Evaluate(ctx, call(visibleJS, selector), &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrSessionClosed
	}
	var s string
	err := p.drv.Evaluate(ctx, textJS, &s)
	return s, err
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrSessionClosed
	}
	var s string
	err := p.drv.Evaluate(ctx, htmlJS, &s)
	return s, err
}

func (p *Page) Layout(ctx context.Context) ([]model.AnnotatedElement, error) {
	if p.isClosed() {
		return nil, ErrSessionClosed
	}
	var out []model.AnnotatedElement
	if err := p.drv.Evaluate(ctx, call(layoutJS, layoutLimit), &out); err != nil {
		return nil, fmt.Errorf("layout scan: %w", err)
	}
	return out, nil
}

func (p *Page) Reachability(ctx context.Context) (*Reachability, error) {
	if p.isClosed() {
		return nil, ErrSessionClosed
	}
	var r Reachability
	if err := p.drv.Evaluate(ctx, call(reachabilityJS, reachabilityLimit), &r); err != nil {
		return nil, fmt.Errorf("reachability probe: %w", err)
	}
	return &r, nil
}

func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	if p.isClosed() {
		return ErrSessionClosed
	}
	return p.drv.Evaluate(ctx, script, out)
}

func (p *Page) InjectCSS(ctx context.Context, css string) error {
	if p.isClosed() {
		return ErrSessionClosed
	}
	var ok bool
	return p.drv.Evaluate(ctx, call(injectCSSJS, css), &ok)
}

func (p *Page) RemoveElements(ctx context.Context, selector string) (int, error) {
	if p.isClosed() {
		return 0, ErrSessionClosed
	}
	var n int
	if err := p.drv.Evaluate(ctx, call(removeJS, selector), &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Page) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrSessionClosed
	}
	if quality <= 0 || quality > 100 {
		quality = 40
	}
	return p.drv.Screenshot(ctx, quality)
}

// ClearCache drops the HTTP cache, cookies and web storage of the session.
func (p *Page) ClearCache(ctx context.Context) error {
	if p.isClosed() {
		return ErrSessionClosed
	}
	if err := p.drv.ClearCache(ctx); err != nil {
		return fmt.Errorf("clear browser cache: %w", err)
	}
	var ok bool
	if err := p.drv.Evaluate(ctx, clearStorageJS, &ok); err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	if p.isClosed() {
		return ErrSessionClosed
	}
	return p.drv.Reload(ctx)
}

// Close releases the session. Subsequent calls are no-ops.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.drv.Close()
}
