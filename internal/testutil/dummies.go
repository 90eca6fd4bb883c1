// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns the number of warnings recorded so far.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient.
// By default it returns body "ok:<url>" with status 200.
// Set FailURLs[url] = true to force an error for a specific URL.
type DummyWebClient struct {
	ResponseDelay time.Duration
	FailURLs      map[string]bool
	// Status overrides the response status code when non-zero.
	Status int
	// Body overrides the response body when non-nil.
	Body     []byte
	mu       sync.Mutex
	Requests []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailURLs != nil && d.FailURLs[req.URL] {
		return nil, &errString{"dummy fetch fail for " + req.URL}
	}

	status := d.Status
	if status == 0 {
		status = 200
	}
	body := d.Body
	if body == nil {
		body = []byte("ok:" + req.URL)
	}
	return &webclient.Response{
		Request:    req,
		Body:       body,
		StatusCode: status,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *DummyWebClient) Close() error { return nil }

// Sent returns a copy of the recorded requests.
func (d *DummyWebClient) Sent() []*webclient.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*webclient.Request(nil), d.Requests...)
}

// ─── Browser ───────────────────────────────────────────────────────────

// Overlay is the interceptor reported by a blocked FakeSession.
var Overlay = &model.ElementLocator{
	Selector:      "#promo-overlay",
	Tag:           "div",
	ID:            "promo-overlay",
	Position:      "fixed",
	ZIndex:        "9999",
	PointerEvents: "auto",
	Opacity:       "0",
}

// Fix names the mutation kinds a FakeSession reacts to.
type Fix string

const (
	FixCSS      Fix = "css"
	FixRemove   Fix = "remove"
	FixScript   Fix = "script"
	FixCache    Fix = "cache"
	FixNavigate Fix = "navigate"
)

// FakeSession implements browser.Session over an in-memory page. A Blocked
// session reports every click target as occluded by Overlay until one of the
// mutations listed in FixedBy is applied.
type FakeSession struct {
	mu sync.Mutex

	SessionID  string
	CurrentURL string
	PageHTML   string
	PageText   string
	// VisibleSelectors lists selectors that Visible reports as present.
	VisibleSelectors map[string]bool
	Layouts          []model.AnnotatedElement
	Blocked          bool
	FixedBy          map[Fix]bool
	// Missing lists instructions or selectors that resolve to nothing.
	Missing map[string]bool
	// AfterClickURL becomes CurrentURL after any dispatched click.
	AfterClickURL string

	NavigateErr   error
	NavigateDelay time.Duration
	HTMLErr       error
	// PanicOnNavigate makes Navigate panic, simulating a broken backend.
	PanicOnNavigate bool

	Navigated   []string
	InjectedCSS []string
	Removed     []string
	Scripts     []string
	Clicks      []string
	CacheClears int
	Reloads     int
	Closes      int
}

// NewFakeSession returns a healthy page with a header and main content.
func NewFakeSession(id string) *FakeSession {
	return &FakeSession{
		SessionID:        id,
		PageHTML:         `<html><body><header><nav>Shop</nav></header><main><h1>Welcome</h1><p>` + strings.Repeat("Great products at fair prices. ", 20) + `</p><button id="checkout">Checkout</button></main></body></html>`,
		PageText:         "Shop Welcome " + strings.Repeat("Great products at fair prices. ", 20) + "Checkout",
		VisibleSelectors: map[string]bool{"#checkout": true, "header": true},
		FixedBy:          map[Fix]bool{},
		Missing:          map[string]bool{},
	}
}

func (s *FakeSession) guard() error {
	if s.Closes > 0 {
		return browser.ErrSessionClosed
	}
	return nil
}

func (s *FakeSession) apply(f Fix) {
	if s.FixedBy[f] {
		s.Blocked = false
	}
}

func (s *FakeSession) ID() string { return s.SessionID }

func (s *FakeSession) Navigate(ctx context.Context, url string) error {
	if s.PanicOnNavigate {
		panic("fake browser crashed")
	}
	if s.NavigateDelay > 0 {
		select {
		case <-time.After(s.NavigateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.Navigated = append(s.Navigated, url)
	if s.CurrentURL != "" && s.CurrentURL != url {
		s.apply(FixNavigate)
	}
	s.CurrentURL = url
	return nil
}

func (s *FakeSession) URL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentURL, s.guard()
}

func (s *FakeSession) hit(key string, opts browser.ActOptions) (*browser.ActResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.Missing[key] {
		return &browser.ActResult{}, browser.ErrTargetNotFound
	}
	target := &model.ElementLocator{Selector: key, Tag: "button"}
	res := &browser.ActResult{Found: true, X: 100, Y: 100, Target: target}
	if s.Blocked {
		res.Occluded = true
		ov := *Overlay
		res.Interceptor = &ov
		return res, nil
	}
	if !opts.Trial {
		res.Clicked = true
		s.Clicks = append(s.Clicks, key)
		if s.AfterClickURL != "" {
			s.CurrentURL = s.AfterClickURL
		}
	}
	return res, nil
}

func (s *FakeSession) Act(_ context.Context, instruction string, opts browser.ActOptions) (*browser.ActResult, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, browser.ErrEmptyInstruction
	}
	return s.hit(instruction, opts)
}

func (s *FakeSession) Click(_ context.Context, selector string, opts browser.ActOptions) (*browser.ActResult, error) {
	return s.hit(selector, opts)
}

func (s *FakeSession) Visible(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.VisibleSelectors[selector], s.guard()
}

func (s *FakeSession) Text(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PageText, s.guard()
}

func (s *FakeSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return "", err
	}
	if s.HTMLErr != nil {
		return "", s.HTMLErr
	}
	return s.PageHTML, nil
}

func (s *FakeSession) Layout(context.Context) ([]model.AnnotatedElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AnnotatedElement(nil), s.Layouts...), s.guard()
}

func (s *FakeSession) Reachability(context.Context) (*browser.Reachability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.Blocked {
		return &browser.Reachability{Inspected: 4}, nil
	}
	return &browser.Reachability{Inspected: 4, Reachable: 4}, nil
}

func (s *FakeSession) Evaluate(_ context.Context, script string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.Scripts = append(s.Scripts, script)
	s.apply(FixScript)
	if n, ok := out.(*int); ok && n != nil {
		*n = 1
	}
	return nil
}

func (s *FakeSession) InjectCSS(_ context.Context, css string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.InjectedCSS = append(s.InjectedCSS, css)
	s.apply(FixCSS)
	return nil
}

func (s *FakeSession) RemoveElements(_ context.Context, selector string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	s.Removed = append(s.Removed, selector)
	if !s.Blocked {
		return 0, nil
	}
	s.apply(FixRemove)
	s.PageHTML = strings.Replace(s.PageHTML, `<div id="promo-overlay"></div>`, "", 1)
	return 1, nil
}

func (s *FakeSession) Screenshot(context.Context, int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte{0xff, 0xd8, 0xff}, s.guard()
}

func (s *FakeSession) ClearCache(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.CacheClears++
	s.apply(FixCache)
	return nil
}

func (s *FakeSession) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reloads++
	return s.guard()
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// Closed reports whether Close was called at least once.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closes > 0
}

// FakeProvider implements browser.Provider. Factory builds the n-th session
// (zero-based); the default is a healthy NewFakeSession.
type FakeProvider struct {
	Factory func(n int) (*FakeSession, error)

	mu       sync.Mutex
	Sessions []*FakeSession
	closed   bool
}

func (p *FakeProvider) NewSession(context.Context) (browser.Session, error) {
	p.mu.Lock()
	n := len(p.Sessions)
	p.mu.Unlock()

	var (
		s   *FakeSession
		err error
	)
	if p.Factory != nil {
		s, err = p.Factory(n)
	} else {
		s = NewFakeSession(fmt.Sprintf("fake-%d", n))
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *FakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// AllClosed reports whether every provisioned session was closed.
func (p *FakeProvider) AllClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.Sessions {
		if !s.Closed() {
			return false
		}
	}
	return true
}

// Count returns the number of sessions provisioned so far.
func (p *FakeProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// ─── Reasoner ──────────────────────────────────────────────────────────

// FakeReasoner implements reasoning.Client. Reply returns the raw model
// text for a prompt; it is decoded the way the real backends decode it.
type FakeReasoner struct {
	Reply       func(p reasoning.Prompt) string
	GenerateErr error
	// Embeddings maps exact text to a vector; Dim, when set, is used for
	// any other text (a deterministic vector derived from its length).
	Embeddings map[string][]float32
	Dim        int
	EmbedErr   error

	mu      sync.Mutex
	Prompts []reasoning.Prompt
	Embeds  []string
}

func (f *FakeReasoner) GenerateJSON(_ context.Context, p reasoning.Prompt, out any) error {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, p)
	f.mu.Unlock()
	if f.GenerateErr != nil {
		return f.GenerateErr
	}
	if f.Reply == nil {
		return reasoning.ErrNoReasoner
	}
	return reasoning.DecodeReply(f.Reply(p), out)
}

func (f *FakeReasoner) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.Embeds = append(f.Embeds, text)
	f.mu.Unlock()
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	if v, ok := f.Embeddings[text]; ok {
		return v, nil
	}
	if f.Dim > 0 {
		v := make([]float32, f.Dim)
		v[len(text)%f.Dim] = 1
		return v, nil
	}
	return nil, reasoning.ErrNoReasoner
}

// PromptCount returns the number of GenerateJSON calls so far.
func (f *FakeReasoner) PromptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

// ─── helpers ───────────────────────────────────────────────────────────

type errString struct{ s string }

func (e *errString) Error() string { return e.s }
