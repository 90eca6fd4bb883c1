package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/raysh454/lucid/internal/action"
	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/diagnosis"
	"github.com/raysh454/lucid/internal/dream"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/perception"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/scoring"
	"github.com/raysh454/lucid/internal/webclient"
)

// EnvPrefix marks environment overrides: LUCID_SERVER_LISTEN_ADDR sets
// server.listen_addr.
const EnvPrefix = "LUCID_"

const maxConfigFileSize = 1 << 20

// ServerConfig is read by internal/server. It lives here so the server can
// depend on app without a cycle.
type ServerConfig struct {
	ListenAddr     string   `koanf:"listen_addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	// JobRetention is how long finished jobs stay listed.
	JobRetention time.Duration `koanf:"job_retention"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RegistryConfig struct {
	// Dir holds the site profile files.
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// Config is the runtime configuration of every component.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Log        LogConfig         `koanf:"log"`
	Registry   RegistryConfig    `koanf:"registry"`
	Browser    browser.Config    `koanf:"browser"`
	HTTP       webclient.Config  `koanf:"http"`
	Reasoning  reasoning.Config  `koanf:"reasoning"`
	Memory     memory.Config     `koanf:"memory"`
	Perception perception.Config `koanf:"perception"`
	Diagnosis  diagnosis.Config  `koanf:"diagnosis"`
	Scoring    scoring.Config    `koanf:"scoring"`
	Dream      dream.Config      `koanf:"dream"`
	Action     action.Config     `koanf:"action"`
	Deploy     deploy.Config     `koanf:"deploy"`
}

// DefaultConfig returns a Config populated with sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
			JobRetention:   30 * time.Minute,
		},
		Log:        LogConfig{Level: "info", Format: "json"},
		Registry:   RegistryConfig{Dir: "profiles", Watch: true},
		Browser:    browser.DefaultConfig(),
		HTTP:       webclient.Config{Timeout: 30 * time.Second},
		Reasoning:  reasoning.DefaultConfig(),
		Memory:     memory.DefaultConfig(),
		Perception: perception.DefaultConfig(),
		Diagnosis:  diagnosis.DefaultConfig(),
		Scoring:    scoring.DefaultConfig(),
		Dream:      dream.DefaultConfig(),
		Action:     action.DefaultConfig(),
		Deploy:     deploy.DefaultConfig(),
	}
}

// LoadConfig layers a YAML file (when path is non-empty) and then LUCID_*
// environment variables over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps LUCID_SECTION_FIELD_NAME to section.field_name. Only the
// first underscore after the prefix separates the section.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Registry.Dir == "" {
		return fmt.Errorf("registry.dir is required")
	}
	if c.Dream.MaxParallel < 0 {
		return fmt.Errorf("dream.max_parallel must not be negative")
	}
	return nil
}
