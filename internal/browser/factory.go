package browser

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raysh454/lucid/internal/logging"
)

// BackendConstructor builds a Provider from config.
type BackendConstructor func(cfg Config, logger logging.Logger) (Provider, error)

var (
	mu       sync.RWMutex
	registry = map[string]BackendConstructor{}
)

// RegisterBackend registers a named backend constructor. Name is lower-cased.
// Registering the same name twice overwrites the previous constructor.
func RegisterBackend(name string, ctor BackendConstructor) {
	if name == "" || ctor == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(name)] = ctor
}

// NewProvider constructs the configured backend.
func NewProvider(cfg Config, logger logging.Logger) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "chromedp"
	}

	mu.RLock()
	ctor, ok := registry[backend]
	mu.RUnlock()
	if !ok || ctor == nil {
		return nil, fmt.Errorf("browser backend %q not registered: available backends=%v", backend, ListBackends())
	}

	p, err := ctor(cfg.withDefaults(), logger)
	if err != nil {
		return nil, fmt.Errorf("construct browser backend %q: %w", backend, err)
	}
	if p == nil {
		return nil, errors.New("browser constructor returned nil")
	}
	return p, nil
}

// ListBackends returns the registered backend names, sorted.
func ListBackends() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegisterDefaultBackends registers the chromedp and rod backends.
func RegisterDefaultBackends() {
	RegisterBackend("chromedp", func(cfg Config, logger logging.Logger) (Provider, error) {
		return NewChromeDPProvider(cfg, logger)
	})
	RegisterBackend("rod", func(cfg Config, logger logging.Logger) (Provider, error) {
		return NewRodProvider(cfg, logger)
	})
}
