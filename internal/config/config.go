package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Endpoint is one configured CDN mirror
type Endpoint struct {
	Name    string `toml:"name" validate:"required"`
	BaseURL string `toml:"base-url" validate:"required,url"`
}

// Config holds engine settings loaded from config.toml
type Config struct {
	GameDir  string `toml:"game-dir,omitempty"`
	DataDir  string `toml:"data-dir" validate:"required"`
	CacheDir string `toml:"cache-dir" validate:"required"`

	Endpoints       []Endpoint `toml:"endpoint" validate:"required,min=1,dive"`
	ProbePath       string     `toml:"probe-path"`
	BasePackagePath string     `toml:"base-package-path"`
	RankingTTL      Duration   `toml:"ranking-ttl"`
	ProbeTimeout    Duration   `toml:"probe-timeout"`
	MaxAttempts     int        `toml:"max-attempts" validate:"min=1,max=10"`
	Concurrency     int        `toml:"concurrency" validate:"min=1,max=32"`

	ConflictStrategy   string   `toml:"conflict-strategy" validate:"oneof=HigherPriority MostRecent Merge KeepExisting UseNew Interactive"`
	InteractiveTimeout Duration `toml:"interactive-timeout"`
	LoadBearing        []string `toml:"load-bearing"`

	ShutdownGrace Duration `toml:"shutdown-grace"`
	MinFreeBytes  uint64   `toml:"min-free-bytes"`
	PollInterval  Duration `toml:"poll-interval"`
	// PatchProfile optionally points to a TOML file of custom patch points
	PatchProfile string `toml:"patch-profile,omitempty"`
}

// Duration wraps time.Duration so it can be written as "30s" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:  filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "ardysactl"),
		CacheDir: filepath.Join(xdgDir("XDG_CACHE_HOME", ".cache"), "ardysactl", "assets"),
		Endpoints: []Endpoint{
			{Name: "jsdelivr", BaseURL: "https://cdn.jsdelivr.net/gh/Anneardysa/ArdysaModsTools@main"},
			{Name: "github", BaseURL: "https://raw.githubusercontent.com/Anneardysa/ArdysaModsTools/main"},
			{Name: "statically", BaseURL: "https://cdn.statically.io/gh/Anneardysa/ArdysaModsTools/main"},
		},
		ProbePath:          "probe.txt",
		BasePackagePath:    "packages/base/pak01_dir.zip",
		RankingTTL:         Duration{10 * time.Minute},
		ProbeTimeout:       Duration{5 * time.Second},
		MaxAttempts:        3,
		Concurrency:        4,
		ConflictStrategy:   "HigherPriority",
		InteractiveTimeout: Duration{2 * time.Minute},
		LoadBearing:        []string{"scripts/**", "resource/**", "cfg/**", "*.vpk"},
		ShutdownGrace:      Duration{10 * time.Second},
		MinFreeBytes:       512 << 20,
		PollInterval:       Duration{30 * time.Second},
	}
}

// Path returns the config file path, using XDG_CONFIG_HOME with a fallback
// to ~/.config
func Path() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "ardysactl", "config.toml")
}

var validate = validator.New()

// Load reads the config at path over the defaults. A missing file is not an
// error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading config %q: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes the config to path, creating the parent directory if needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return base
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append([]string{home}, fallback...)...)
}
