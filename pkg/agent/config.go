package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultDirectoryTTLSec   = 300
	defaultMaxPendingTasks   = 1024
	defaultSeenCacheSize     = 8192
	defaultEndpoint          = "memory://default"
	defaultControlRateLimit  = 120
	defaultControlRateWindow = 60
	defaultRetransmitSec     = 10
	defaultMaxRetries        = 3
)

// Config holds node settings. Durations are whole seconds as in the startup profile.
type Config struct {
	Name             string   `toml:"name" yaml:"name"`
	Description      string   `toml:"description" yaml:"description"`
	Endpoint         string   `toml:"endpoint" yaml:"endpoint"`
	Encrypted        bool     `toml:"encrypted" yaml:"encrypted"`
	EncryptionScheme string   `toml:"encryption_scheme" yaml:"encryption_scheme"`
	Capabilities     []string `toml:"capabilities" yaml:"capabilities"`

	AnnounceIntervalSec int `toml:"announce_interval_sec" yaml:"announce_interval_sec"`
	DirectoryTTLSec     int `toml:"directory_ttl_sec" yaml:"directory_ttl_sec"`
	DiscoverMaxAgeSec   int `toml:"discover_max_age_sec" yaml:"discover_max_age_sec"`
	EvictAfterSec       int `toml:"evict_after_sec" yaml:"evict_after_sec"`

	Bootstrap  []string `toml:"bootstrap" yaml:"bootstrap"`
	MDNS       bool     `toml:"mdns" yaml:"mdns"`
	DHT        bool     `toml:"dht" yaml:"dht"`
	ServiceTag string   `toml:"service_tag" yaml:"service_tag"`

	JournalPath        string   `toml:"journal_path" yaml:"journal_path"`
	MaxPendingTasks    int      `toml:"max_pending_tasks" yaml:"max_pending_tasks"`
	RespondedCacheSize int      `toml:"responded_cache_size" yaml:"responded_cache_size"`
	SeenCacheSize      int      `toml:"seen_cache_size" yaml:"seen_cache_size"`
	AckReceipts        *bool    `toml:"ack_receipts" yaml:"ack_receipts"`
	BlockedPeers       []string `toml:"blocked_peers" yaml:"blocked_peers"`

	// Unacked tasks are re-published every RetransmitTimeoutSec up to MaxRetries times.
	// Zero in either field turns retransmission off.
	RetransmitTimeoutSec int `toml:"retransmit_timeout_sec" yaml:"retransmit_timeout_sec"`
	MaxRetries           int `toml:"max_retries" yaml:"max_retries"`

	ControlListen        string `toml:"control_listen" yaml:"control_listen"`
	ControlToken         string `toml:"control_token" yaml:"control_token"`
	ControlRateLimit     int    `toml:"control_rate_limit" yaml:"control_rate_limit"`
	ControlRateWindowSec int    `toml:"control_rate_window_sec" yaml:"control_rate_window_sec"`

	LogLevel string `toml:"log_level" yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Name:                 "a2a-node",
		Endpoint:             defaultEndpoint,
		EncryptionScheme:     SchemeNIP44,
		DirectoryTTLSec:      defaultDirectoryTTLSec,
		MaxPendingTasks:      defaultMaxPendingTasks,
		RespondedCacheSize:   defaultRespondedCacheSize,
		SeenCacheSize:        defaultSeenCacheSize,
		RetransmitTimeoutSec: defaultRetransmitSec,
		MaxRetries:           defaultMaxRetries,
		ControlRateLimit:     defaultControlRateLimit,
		ControlRateWindowSec: defaultControlRateWindow,
		LogLevel:             "info",
	}
}

// LoadConfig reads a TOML or YAML file over DefaultConfig. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".toml", "":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("%w: unsupported config format %q", ErrInvalidArgument, filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides fields from A2A_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("A2A_NAME", &c.Name)
	str("A2A_DESCRIPTION", &c.Description)
	str("A2A_ENDPOINT", &c.Endpoint)
	boolean("A2A_ENCRYPTED", &c.Encrypted)
	str("A2A_ENCRYPTION_SCHEME", &c.EncryptionScheme)
	integer("A2A_ANNOUNCE_INTERVAL_SEC", &c.AnnounceIntervalSec)
	integer("A2A_DIRECTORY_TTL_SEC", &c.DirectoryTTLSec)
	integer("A2A_EVICT_AFTER_SEC", &c.EvictAfterSec)
	integer("A2A_RETRANSMIT_TIMEOUT_SEC", &c.RetransmitTimeoutSec)
	integer("A2A_MAX_RETRIES", &c.MaxRetries)
	boolean("A2A_MDNS", &c.MDNS)
	boolean("A2A_DHT", &c.DHT)
	str("A2A_JOURNAL", &c.JournalPath)
	str("A2A_CONTROL_LISTEN", &c.ControlListen)
	str("A2A_CONTROL_TOKEN", &c.ControlToken)
	str("A2A_LOG_LEVEL", &c.LogLevel)
	if v := strings.TrimSpace(os.Getenv("A2A_BOOTSTRAP")); v != "" {
		c.Bootstrap = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("A2A_CAPABILITIES")); v != "" {
		c.Capabilities = splitList(v)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	switch c.EncryptionScheme {
	case "", SchemeNIP44, SchemeX25519:
	default:
		return fmt.Errorf("%w: unknown encryption scheme %q", ErrInvalidArgument, c.EncryptionScheme)
	}
	for name, v := range map[string]int{
		"announce_interval_sec":  c.AnnounceIntervalSec,
		"directory_ttl_sec":      c.DirectoryTTLSec,
		"discover_max_age_sec":   c.DiscoverMaxAgeSec,
		"evict_after_sec":        c.EvictAfterSec,
		"max_pending_tasks":      c.MaxPendingTasks,
		"retransmit_timeout_sec": c.RetransmitTimeoutSec,
		"max_retries":            c.MaxRetries,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, name)
		}
	}
	for _, p := range c.BlockedPeers {
		if _, err := NormalizePublicID(p); err != nil {
			return fmt.Errorf("blocked_peers: %w", err)
		}
	}
	return nil
}

func (c Config) ackReceipts() bool {
	return c.AckReceipts == nil || *c.AckReceipts
}

func (c Config) retransmitTimeout() time.Duration {
	if c.RetransmitTimeoutSec <= 0 || c.MaxRetries <= 0 {
		return 0
	}
	return seconds(c.RetransmitTimeoutSec)
}

func (c Config) directoryTTL() time.Duration {
	if c.DirectoryTTLSec <= 0 {
		return time.Duration(defaultDirectoryTTLSec) * time.Second
	}
	return time.Duration(c.DirectoryTTLSec) * time.Second
}

func (c Config) scheme() string {
	if c.EncryptionScheme == "" {
		return SchemeNIP44
	}
	return c.EncryptionScheme
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
