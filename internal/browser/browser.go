// Package browser provides isolated, sandboxed browsing sessions. Each session
// runs in its own browser context so cookies, storage, injected styles and
// DOM mutations never leak between sessions.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/raysh454/lucid/internal/model"
)

var (
	ErrSessionClosed    = errors.New("browser session closed")
	ErrTargetNotFound   = errors.New("no element matches the instruction")
	ErrEmptyInstruction = errors.New("empty instruction")
)

// Provider provisions isolated sessions.
type Provider interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browsing context. Close is safe to call more than
// once and on a partially initialised session.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	// Act resolves a natural-language instruction ("click the Checkout
	// button") to an element and clicks it at its centre.
	Act(ctx context.Context, instruction string, opts ActOptions) (*ActResult, error)
	// Click does the same for a CSS selector.
	Click(ctx context.Context, selector string, opts ActOptions) (*ActResult, error)

	Visible(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Layout(ctx context.Context) ([]model.AnnotatedElement, error)
	Reachability(ctx context.Context) (*Reachability, error)

	Evaluate(ctx context.Context, script string, out any) error
	InjectCSS(ctx context.Context, css string) error
	RemoveElements(ctx context.Context, selector string) (int, error)

	Screenshot(ctx context.Context, quality int) ([]byte, error)
	ClearCache(ctx context.Context) error
	Reload(ctx context.Context) error
	Close() error
}

// ActOptions tunes Act and Click.
type ActOptions struct {
	// Trial resolves and hit-tests the target without dispatching the click,
	// leaving page state untouched.
	Trial bool
}

// ActResult describes what happened at the target's centre.
type ActResult struct {
	Found bool `json:"found"`
	// Clicked is true when a click was dispatched.
	Clicked bool `json:"clicked"`
	// Occluded is true when another element was the topmost hit-target.
	Occluded    bool                  `json:"occluded"`
	X           float64               `json:"x"`
	Y           float64               `json:"y"`
	Target      *model.ElementLocator `json:"target,omitempty"`
	Interceptor *model.ElementLocator `json:"interceptor,omitempty"`
}

// Reachable reports whether the target could receive the click.
func (r *ActResult) Reachable() bool {
	return r != nil && r.Found && !r.Occluded
}

// Reachability is the generic "can users click anything" probe.
type Reachability struct {
	Inspected int `json:"inspected"`
	Reachable int `json:"reachable"`
}

// Config selects and tunes a backend.
type Config struct {
	Backend        string        `koanf:"backend"`
	Headless       bool          `koanf:"headless"`
	RemoteURL      string        `koanf:"remote_url"`
	ViewportWidth  int           `koanf:"viewport_width"`
	ViewportHeight int           `koanf:"viewport_height"`
	NetworkIdle    time.Duration `koanf:"network_idle"`
	Stealth        bool          `koanf:"stealth"`
}

// DefaultConfig returns a headless chromedp setup.
func DefaultConfig() Config {
	return Config{
		Backend:        "chromedp",
		Headless:       true,
		ViewportWidth:  1280,
		ViewportHeight: 800,
		NetworkIdle:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = d.ViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = d.ViewportHeight
	}
	if c.NetworkIdle <= 0 {
		c.NetworkIdle = d.NetworkIdle
	}
	return c
}
