// Package config loads the daemon configuration (TOML) and the per-repo
// validation policies (YAML), and hot-reloads the policy file on change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler so validation policies can use
// the same "30m" notation as the TOML config.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults for configuration knobs left unset in the file.
const (
	DefaultPollInterval      = 60 * time.Second
	DefaultMaxConcurrentRuns = 3
	DefaultLockStaleAfter    = time.Hour
	DefaultHibernationRetry  = 300 * time.Second
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffCap        = 300 * time.Second
	DefaultAgentTimeout      = 60 * time.Minute
	DefaultAgentInactivity   = 10 * time.Minute
	DefaultNetworkRetryBase  = 70 * time.Second
	DefaultPRLookupBase      = 5 * time.Second
	DefaultResearchMarker    = "## Research"
	DefaultMaxAppendedTasks  = 5
)

// Config is the daemon configuration, loaded from ~/.loom/config.toml.
type Config struct {
	// Boards are the project-board URLs to poll.
	Boards []string `toml:"boards"`

	// DataDir holds the state database, workspaces, and run logs.
	// Defaults to ~/.loom.
	DataDir string `toml:"data_dir"`

	// BotIdentity is the daemon's own username on the ticket host.
	BotIdentity string `toml:"bot_identity"`
	// AllowedActors may also move statuses / apply progression labels.
	AllowedActors []string `toml:"allowed_actors"`

	PollInterval      Duration `toml:"poll_interval"`
	MaxConcurrentRuns int      `toml:"max_concurrent_runs"`
	LockStaleAfter    Duration `toml:"lock_stale_after"`
	HibernationRetry  Duration `toml:"hibernation_retry"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffCap        Duration `toml:"backoff_cap"`

	// Models maps a stage name to the agent model used for it.
	Models map[string]string `toml:"models"`

	AgentBinary      string   `toml:"agent_binary"`
	AgentTimeout     Duration `toml:"agent_timeout"`
	AgentInactivity  Duration `toml:"agent_inactivity"`
	NetworkRetryBase Duration `toml:"network_retry_base"`
	PRLookupBase     Duration `toml:"pr_lookup_base"`
	ResearchMarker   string   `toml:"research_marker"`
	MaxAppendedTasks int      `toml:"max_appended_tasks"`
	NotifyCommand    string   `toml:"notify_command"`
	ValidationPolicy string   `toml:"validation_policy"` // path to validation.yaml
	LogMaxSizeMB     int      `toml:"log_max_size_mb"`
	LogMaxBackups    int      `toml:"log_max_backups"`
}

// withDefaults fills zero-valued knobs.
func (c *Config) withDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".loom")
		} else {
			c.DataDir = ".loom"
		}
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.MaxConcurrentRuns == 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.LockStaleAfter == 0 {
		c.LockStaleAfter = Duration(DefaultLockStaleAfter)
	}
	if c.HibernationRetry == 0 {
		c.HibernationRetry = Duration(DefaultHibernationRetry)
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = Duration(DefaultBackoffBase)
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = Duration(DefaultBackoffCap)
	}
	if c.AgentBinary == "" {
		c.AgentBinary = "claude"
	}
	if c.AgentTimeout == 0 {
		c.AgentTimeout = Duration(DefaultAgentTimeout)
	}
	if c.AgentInactivity == 0 {
		c.AgentInactivity = Duration(DefaultAgentInactivity)
	}
	if c.NetworkRetryBase == 0 {
		c.NetworkRetryBase = Duration(DefaultNetworkRetryBase)
	}
	if c.PRLookupBase == 0 {
		c.PRLookupBase = Duration(DefaultPRLookupBase)
	}
	if c.ResearchMarker == "" {
		c.ResearchMarker = DefaultResearchMarker
	}
	if c.MaxAppendedTasks == 0 {
		c.MaxAppendedTasks = DefaultMaxAppendedTasks
	}
	if c.ValidationPolicy == "" {
		c.ValidationPolicy = filepath.Join(c.DataDir, "validation.yaml")
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 50
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 5
	}
}

// validate rejects configurations the daemon cannot start with.
func (c *Config) validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("config: at least one board URL is required")
	}
	if c.BotIdentity == "" {
		return fmt.Errorf("config: bot_identity is required")
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("config: max_concurrent_runs must be positive")
	}
	return nil
}

// Load reads, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ModelFor returns the configured model for a stage, or "" for the agent's
// default.
func (c *Config) ModelFor(stage string) string {
	return c.Models[stage]
}

// DefaultConfigPath returns ~/.loom/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".loom", "config.toml"), nil
}

// DefaultConfigTOML is written by `loom init`.
const DefaultConfigTOML = `# loom daemon configuration

# Project boards to poll.
boards = [
  # "https://github.com/orgs/acme/projects/7",
]

# The daemon's own username on the ticket host.
bot_identity = ""

# Other usernames allowed to move statuses and apply progression labels.
allowed_actors = []

poll_interval = "60s"
max_concurrent_runs = 3

[models]
Research = "claude-opus-4-1"
Plan = "claude-opus-4-1"
Implement = "claude-sonnet-4-5"
`
