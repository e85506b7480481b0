// Package config implements spec.md §6's external interface constants as
// a loadable Config: flags bound with spf13/pflag (cobra's companion,
// already the teacher's CLI library for cmd/skyc), with environment
// variables as the next layer down and spec.md §6's defaults as the
// floor. cmd/shardd loads a Config exactly once at startup and passes it
// down as a plain struct — nothing in the library packages reads
// configuration from globals.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"gitlab.com/shardnet/shardd/protocol"
)

// Config is the full set of values a running node needs, independent of
// however they were sourced (flag, env, or default).
type Config struct {
	BindAddr     string
	DataDir      string
	Seeds        []string
	AuditCount   uint32
	PingInterval time.Duration
	OfferTimeout time.Duration
	StrictReplay bool
	LogFile      string
}

// Default returns spec.md §6's constants: bind address 127.0.0.1:4000,
// data directory $HOME/.shardd (%USERPROFILE%\.shardd on Windows, the
// same per-OS split spec.md §6 describes for $HOME/.storjnode), audit
// count 12, and a 60s ping interval.
func Default() Config {
	return Config{
		BindAddr:     "127.0.0.1:4000",
		DataDir:      defaultDataDir(),
		AuditCount:   protocol.DefaultAuditCount,
		PingInterval: 60 * time.Second,
		OfferTimeout: protocol.DefaultOfferTimeout,
		LogFile:      "shardd.log",
	}
}

func defaultDataDir() string {
	if runtime.GOOS == "windows" {
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			return filepath.Join(profile, ".shardd")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardd"
	}
	return filepath.Join(home, ".shardd")
}

// envPrefix namespaces every environment variable this package reads.
const envPrefix = "SHARDD_"

// ApplyEnv overlays environment variables onto cfg, for every field a
// corresponding SHARDD_* variable is set. It is meant to run after
// Default() and before BindFlags, so an explicit command-line flag always
// wins over an environment variable, which in turn wins over the
// built-in default.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(envPrefix + "ADDR"); ok {
		cfg.BindAddr = v
	}
	if v, ok := os.LookupEnv(envPrefix + "DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(envPrefix + "SEEDS"); ok && v != "" {
		cfg.Seeds = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envPrefix + "AUDIT_COUNT"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.AuditCount = uint32(n)
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "PING_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingInterval = d
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "OFFER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OfferTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "STRICT_REPLAY"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictReplay = b
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_FILE"); ok {
		cfg.LogFile = v
	}
}

// BindFlags registers cfg's fields onto flags, defaulting every flag to
// cfg's current value (so callers should ApplyEnv before BindFlags to get
// the flag > env > default precedence described on ApplyEnv).
func BindFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.BindAddr, "addr", cfg.BindAddr, "transport listener bind address")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for blobs, storage items, and the node identity")
	flags.StringSliceVar(&cfg.Seeds, "seed", cfg.Seeds, "seed contact URI to bootstrap from (repeatable)")
	flags.Uint32Var(&cfg.AuditCount, "audit-count", cfg.AuditCount, "audit count recorded in the node config; audit trees are built with the protocol default of 12 leaves regardless")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "interval between SeedLiveness pings")
	flags.DurationVar(&cfg.OfferTimeout, "offer-timeout", cfg.OfferTimeout, "how long store() waits for a farmer to offer before giving up")
	flags.BoolVar(&cfg.StrictReplay, "strict-replay", cfg.StrictReplay, "reject non-increasing nonces per sender, closing the replay-within-window gap")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "path to the node's log file, relative to data-dir unless absolute")
}

// LogPath resolves cfg.LogFile against cfg.DataDir unless it is already
// absolute.
func (cfg Config) LogPath() string {
	if filepath.IsAbs(cfg.LogFile) {
		return cfg.LogFile
	}
	return filepath.Join(cfg.DataDir, cfg.LogFile)
}
