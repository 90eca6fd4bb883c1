// Package registry loads site profiles from a directory of YAML or TOML
// files and keeps them current while the files change.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/utils"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

// Registry holds the profiles found under dir, keyed by slug.
//
//	dir/
//	  shop.yaml
//	  blog.toml
type Registry struct {
	dir    string
	logger logging.Logger

	mu       sync.RWMutex
	profiles map[string]model.SiteProfile
}

// New loads every profile under dir. An empty dir yields an empty registry
// that profiles can be added to with Put.
func New(dir string, logger logging.Logger) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	r := &Registry{
		dir:      dir,
		logger:   logger.With(logging.Field{Key: "component", Value: "registry"}),
		profiles: make(map[string]model.SiteProfile),
	}
	if dir == "" {
		return r, nil
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure profiles dir %s: %w", dir, err)
	}
	r.dir = dir
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func normalizeSlug(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, " ", "-")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		out = uuid.New().String()[:8]
	}
	return out
}

func isProfileFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

// Reload re-reads the whole directory. A file that fails to parse is logged
// and skipped; the previous set is replaced only after a full scan.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read profiles dir: %w", err)
	}
	next := make(map[string]model.SiteProfile)
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		p, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("skipping profile",
				logging.Field{Key: "path", Value: path},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		if _, dup := next[p.Slug]; dup {
			r.logger.Warn("duplicate profile slug, keeping first",
				logging.Field{Key: "slug", Value: p.Slug},
				logging.Field{Key: "path", Value: path})
			continue
		}
		next[p.Slug] = *p
	}

	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()
	r.logger.Info("profiles loaded", logging.Field{Key: "count", Value: len(next)})
	return nil
}

// LoadFile parses one profile file. Unknown keys are rejected.
func LoadFile(path string) (*model.SiteProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var p model.SiteProfile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalidProfile, path, undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if p.Slug == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		p.Slug = base
	}
	if err := Normalize(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// Normalize validates p in place: slug and URL are canonicalized, the
// remediation action defaults to none.
func Normalize(p *model.SiteProfile) error {
	if p.Slug == "" {
		p.Slug = p.Name
	}
	p.Slug = normalizeSlug(p.Slug)
	if p.Name == "" {
		p.Name = p.Slug
	}
	u, err := utils.Canonicalize(p.URL, utils.TargetOptions)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidProfile, err)
	}
	p.URL = u

	for i, f := range p.CriticalFlows {
		if strings.TrimSpace(f.Action) == "" && strings.TrimSpace(f.Selector) == "" {
			return fmt.Errorf("%w: flow %d (%s) needs an action or a selector", ErrInvalidProfile, i, f.Name)
		}
		if f.Name == "" {
			p.CriticalFlows[i].Name = fmt.Sprintf("flow-%d", i+1)
		}
		switch f.Verify.Kind {
		case model.VerifyNone, model.VerifyURLContains, model.VerifyElementVisible,
			model.VerifyTextPresent, model.VerifyElementAbsent:
		default:
			return fmt.Errorf("%w: flow %s: unknown verification %q", ErrInvalidProfile, f.Name, f.Verify.Kind)
		}
	}

	switch p.Remediation.Action {
	case "":
		p.Remediation.Action = model.ActionNone
	case model.ActionRollback, model.ActionWebhook, model.ActionIssue,
		model.ActionAlert, model.ActionScript, model.ActionNone:
	default:
		return fmt.Errorf("%w: unknown remediation action %q", ErrInvalidProfile, p.Remediation.Action)
	}
	return nil
}

// Put adds or replaces a profile in memory.
func (r *Registry) Put(p model.SiteProfile) (*model.SiteProfile, error) {
	if err := Normalize(&p); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.profiles[p.Slug] = p
	r.mu.Unlock()
	return &p, nil
}

// Get returns a copy of the profile with the given slug.
func (r *Registry) Get(slug string) (*model.SiteProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[normalizeSlug(slug)]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

// List returns all profiles sorted by slug.
func (r *Registry) List() []model.SiteProfile {
	r.mu.RLock()
	out := make([]model.SiteProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Watch reloads the directory whenever a profile file changes. Bursts of
// events are coalesced. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	const settle = 200 * time.Millisecond
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(ev.Name) {
				continue
			}
			timer.Reset(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("profile watcher error", logging.Field{Key: "error", Value: err.Error()})
		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.Error("profile reload failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
