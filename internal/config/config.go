package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the effective user configuration for a workspace, assembled
// from defaults, .weft/config.yaml, and WEFT_* environment overrides
// (WEFT_SYNC_BACKEND, WEFT_GITHUB_TOKEN, ...).
type Config struct {
	Sync   SyncConfig
	Dedupe DedupeConfig
	Retry  RetryConfig
	GitHub GitHubConfig
	Peer   PeerConfig
}

// SyncConfig controls a sync run.
type SyncConfig struct {
	Backend string // default backend when --backend is not given
	Jobs    int    // bounded concurrency for fetch/execute stages
}

// DedupeConfig controls duplicate detection.
type DedupeConfig struct {
	Enabled   bool
	Threshold float64 // token-similarity cutoff for the fuzzy pass
}

// RetryConfig controls backoff and the per-backend circuit breaker.
type RetryConfig struct {
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	MaxElapsedTime   time.Duration
	BreakerThreshold uint32 // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration
}

// GitHubConfig configures the github backend.
type GitHubConfig struct {
	Owner  string
	Repo   string
	Token  string // usually injected via WEFT_GITHUB_TOKEN
	APIURL string
}

// PeerConfig configures the peer-workspace backend.
type PeerConfig struct {
	Path   string // local path to the peer workspace or clone target
	URL    string // git URL when the peer lives on a remote
	Branch string
}

// Load reads config.yaml from the workspace dir, if present, and applies
// environment overrides. A missing file yields pure defaults.
func Load(weftDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	configPath := filepath.Join(weftDir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		Sync: SyncConfig{
			Backend: v.GetString("sync.backend"),
			Jobs:    v.GetInt("sync.jobs"),
		},
		Dedupe: DedupeConfig{
			Enabled:   v.GetBool("dedupe.enabled"),
			Threshold: v.GetFloat64("dedupe.threshold"),
		},
		Retry: RetryConfig{
			InitialInterval:  v.GetDuration("retry.initial_interval"),
			MaxInterval:      v.GetDuration("retry.max_interval"),
			MaxElapsedTime:   v.GetDuration("retry.max_elapsed"),
			BreakerThreshold: v.GetUint32("retry.breaker_threshold"),
			BreakerCooldown:  v.GetDuration("retry.breaker_cooldown"),
		},
		GitHub: GitHubConfig{
			Owner:  v.GetString("github.owner"),
			Repo:   v.GetString("github.repo"),
			Token:  v.GetString("github.token"),
			APIURL: v.GetString("github.api_url"),
		},
		Peer: PeerConfig{
			Path:   v.GetString("peer.path"),
			URL:    v.GetString("peer.url"),
			Branch: v.GetString("peer.branch"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors config.yaml for writing the initial template. Load
// always goes through viper; this struct only shapes what init writes out.
// The github token is deliberately absent: it belongs in WEFT_GITHUB_TOKEN,
// not on disk.
type fileConfig struct {
	Sync struct {
		Backend string `yaml:"backend"`
		Jobs    int    `yaml:"jobs"`
	} `yaml:"sync"`
	Dedupe struct {
		Enabled   bool    `yaml:"enabled"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"dedupe"`
	Retry struct {
		InitialInterval  string `yaml:"initial_interval"`
		MaxInterval      string `yaml:"max_interval"`
		MaxElapsed       string `yaml:"max_elapsed"`
		BreakerThreshold uint32 `yaml:"breaker_threshold"`
		BreakerCooldown  string `yaml:"breaker_cooldown"`
	} `yaml:"retry"`
	GitHub struct {
		Owner  string `yaml:"owner"`
		Repo   string `yaml:"repo"`
		APIURL string `yaml:"api_url"`
	} `yaml:"github"`
	Peer struct {
		Path   string `yaml:"path"`
		URL    string `yaml:"url"`
		Branch string `yaml:"branch"`
	} `yaml:"peer"`
}

// WriteDefault writes a config.yaml populated with the default knobs so a
// fresh workspace documents what can be tuned. An existing file is left
// alone.
func WriteDefault(weftDir string) error {
	path := filepath.Join(weftDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var fc fileConfig
	fc.Sync.Jobs = 4
	fc.Dedupe.Enabled = true
	fc.Dedupe.Threshold = 0.9
	fc.Retry.InitialInterval = (500 * time.Millisecond).String()
	fc.Retry.MaxInterval = (30 * time.Second).String()
	fc.Retry.MaxElapsed = (2 * time.Minute).String()
	fc.Retry.BreakerThreshold = 5
	fc.Retry.BreakerCooldown = (30 * time.Second).String()
	fc.GitHub.APIURL = "https://api.github.com"
	fc.Peer.Branch = "main"

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("rendering default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.backend", "")
	v.SetDefault("sync.jobs", 4)
	v.SetDefault("dedupe.enabled", true)
	v.SetDefault("dedupe.threshold", 0.9)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.max_elapsed", 2*time.Minute)
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_cooldown", 30*time.Second)
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("peer.branch", "main")
}

func (c *Config) validate() error {
	if c.Sync.Jobs < 1 {
		return fmt.Errorf("sync.jobs must be at least 1 (got %d)", c.Sync.Jobs)
	}
	if c.Dedupe.Threshold < 0 || c.Dedupe.Threshold > 1 {
		return fmt.Errorf("dedupe.threshold must be between 0 and 1 (got %g)", c.Dedupe.Threshold)
	}
	if c.Retry.BreakerThreshold == 0 {
		return fmt.Errorf("retry.breaker_threshold must be at least 1")
	}
	return nil
}
