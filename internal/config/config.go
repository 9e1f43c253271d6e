// Package config resolves server settings from flags, environment and an
// optional YAML file. Precedence is flags over environment over file over
// built-in defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarKey          = "RDS_KEY"
	envVarPort         = "RDS_PORT"
	envVarRelayPort    = "RDS_RELAY_PORT"
	envVarMgmtAddr     = "RDS_MGMT_ADDR"
	envVarAlwaysRelay  = "RDS_ALWAYS_USE_RELAY"
	envVarRelayServers = "RDS_RELAY_SERVERS"
	envVarDBPath       = "RDS_DB"
	envVarJWTSecret    = "RDS_JWT_SECRET"
	envVarLogFormat    = "RDS_LOG_FORMAT"
	envVarLogLevel     = "RDS_LOG_LEVEL"
	envVarConfigFile   = "RDS_CONFIG"

	DefaultPort        = 21116
	DefaultRelayPort   = 21117
	DefaultDBPath      = "rustdesk-server.db"
	DefaultLogFormat   = "text"
	DefaultLogLevel    = "info"
	DefaultShutdown    = 15 * time.Second
	DefaultKeepAlive   = 60 * time.Second
	DefaultSweepEvery  = 10 * time.Second
	DefaultSnapshot    = 5 * time.Minute
	DefaultClaimTTL    = 30 * time.Second
	DefaultIdleTimeout = 90 * time.Second
	DefaultMaxSessions = 4096
)

type Config struct {
	// Key is the device shared key: a base64 ed25519 private key, an opaque
	// secret, "-" to generate a fresh keypair, or "" for open registration.
	Key string

	// Port is the primary signaling port, UDP and TCP. The NAT test port
	// is Port-1, the websocket signaling port Port+2.
	Port      int
	RelayPort int
	MgmtAddr  string

	AlwaysRelay  bool
	RelayServers []string

	DBPath    string
	JWTSecret string

	LogFormat string
	LogLevel  slog.Level

	ShutdownTimeout  time.Duration
	KeepAliveTTL     time.Duration
	SweepInterval    time.Duration
	SnapshotInterval time.Duration

	ClaimTTL         time.Duration
	RelayIdleTimeout time.Duration
	MaxSessions      int

	ConnectTimeout time.Duration
	PunchWindow    time.Duration
}

// NATTestPort is the STUN-style address reflection port.
func (c Config) NATTestPort() int { return c.Port - 1 }

// WSPort carries websocket traffic, signaling on / and relay legs on
// /relay.
func (c Config) WSPort() int { return c.Port + 2 }

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

type readFileFunc func(string) ([]byte, error)

func load(lookup func(string) (string, bool), readFile readFileFunc, args []string) (Config, error) {
	cfg := Config{
		Key:              envOrDefault(lookup, envVarKey, ""),
		Port:             DefaultPort,
		RelayPort:        DefaultRelayPort,
		MgmtAddr:         envOrDefault(lookup, envVarMgmtAddr, ""),
		DBPath:           envOrDefault(lookup, envVarDBPath, DefaultDBPath),
		JWTSecret:        envOrDefault(lookup, envVarJWTSecret, ""),
		ShutdownTimeout:  DefaultShutdown,
		KeepAliveTTL:     DefaultKeepAlive,
		SweepInterval:    DefaultSweepEvery,
		SnapshotInterval: DefaultSnapshot,
		ClaimTTL:         DefaultClaimTTL,
		RelayIdleTimeout: DefaultIdleTimeout,
		MaxSessions:      DefaultMaxSessions,
	}

	var err error
	if cfg.Port, err = envIntOrDefault(lookup, envVarPort, cfg.Port); err != nil {
		return Config{}, err
	}
	if cfg.RelayPort, err = envIntOrDefault(lookup, envVarRelayPort, cfg.RelayPort); err != nil {
		return Config{}, err
	}
	envAlwaysRelay := false
	envAlwaysRelaySet := false
	if raw, ok := lookup(envVarAlwaysRelay); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAlwaysRelay, raw, err)
		}
		envAlwaysRelay = v
		envAlwaysRelaySet = true
	}
	cfg.AlwaysRelay = envAlwaysRelay
	relayServersStr := envOrDefault(lookup, envVarRelayServers, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, DefaultLogFormat)
	logLevelStr := envOrDefault(lookup, envVarLogLevel, DefaultLogLevel)
	configFile := envOrDefault(lookup, envVarConfigFile, "")

	fs := flag.NewFlagSet("rustdesk-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.Key, "key", cfg.Key, "Device key: base64 ed25519 private key, opaque secret, or - to generate (env "+envVarKey+")")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Primary signaling port, UDP and TCP (env "+envVarPort+")")
	fs.IntVar(&cfg.RelayPort, "relay-port", cfg.RelayPort, "Relay TCP port (env "+envVarRelayPort+")")
	fs.StringVar(&cfg.MgmtAddr, "mgmt-addr", cfg.MgmtAddr, "Management HTTP listen address, empty derives 127.0.0.1:port+3 (env "+envVarMgmtAddr+")")
	fs.BoolVar(&cfg.AlwaysRelay, "always-relay", cfg.AlwaysRelay, "Skip direct negotiation, relay every pair (env "+envVarAlwaysRelay+")")
	fs.StringVar(&relayServersStr, "relay-servers", relayServersStr, "Comma-separated relay endpoints to advertise (env "+envVarRelayServers+")")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env "+envVarDBPath+")")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for management and user tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&cfg.KeepAliveTTL, "keepalive-ttl", cfg.KeepAliveTTL, "Mark devices offline after this silence")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often to sweep silent devices offline")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "How often to snapshot the registry to the store")
	fs.DurationVar(&cfg.ClaimTTL, "relay-claim-ttl", cfg.ClaimTTL, "How long an issued relay token may sit unclaimed")
	fs.DurationVar(&cfg.RelayIdleTimeout, "relay-idle-timeout", cfg.RelayIdleTimeout, "Close active relay sessions after this idle time")
	fs.IntVar(&cfg.MaxSessions, "max-relay-sessions", cfg.MaxSessions, "Maximum concurrent relay sessions")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Per connect request deadline (0 = default)")
	fs.DurationVar(&cfg.PunchWindow, "punch-window", cfg.PunchWindow, "Probe-ack wait during direct negotiation (0 = default)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if configFile != "" {
		fc, err := loadFile(readFile, configFile)
		if err != nil {
			return Config{}, err
		}
		// File values fill in only what neither a flag nor the environment set.
		applyString(&cfg.Key, fc.Key, setFlags["key"] || envSet(lookup, envVarKey))
		applyInt(&cfg.Port, fc.Port, setFlags["port"] || envSet(lookup, envVarPort))
		applyInt(&cfg.RelayPort, fc.RelayPort, setFlags["relay-port"] || envSet(lookup, envVarRelayPort))
		applyString(&cfg.MgmtAddr, fc.MgmtAddr, setFlags["mgmt-addr"] || envSet(lookup, envVarMgmtAddr))
		applyString(&cfg.DBPath, fc.DBPath, setFlags["db"] || envSet(lookup, envVarDBPath))
		applyString(&cfg.JWTSecret, fc.JWTSecret, setFlags["jwt-secret"] || envSet(lookup, envVarJWTSecret))
		applyString(&logFormatStr, fc.LogFormat, setFlags["log-format"] || envSet(lookup, envVarLogFormat))
		applyString(&logLevelStr, fc.LogLevel, setFlags["log-level"] || envSet(lookup, envVarLogLevel))
		if fc.AlwaysRelay != nil && !setFlags["always-relay"] && !envAlwaysRelaySet {
			cfg.AlwaysRelay = *fc.AlwaysRelay
		}
		if fc.RelayServers != nil && !setFlags["relay-servers"] && !envSet(lookup, envVarRelayServers) {
			relayServersStr = strings.Join(fc.RelayServers, ",")
		}
	}

	cfg.RelayServers = splitList(relayServersStr)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(logFormatStr))
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.MgmtAddr == "" {
		cfg.MgmtAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Port+3)
	}
	return cfg, nil
}

func (c Config) validate() error {
	// The NAT test port sits one below the primary port.
	if c.Port < 2 || c.Port > 65532 {
		return fmt.Errorf("port %d out of range, need 2..65532", c.Port)
	}
	if c.RelayPort < 1 || c.RelayPort > 65534 {
		return fmt.Errorf("relay port %d out of range", c.RelayPort)
	}
	used := map[int]string{
		c.NATTestPort(): "nat test",
		c.Port:          "signaling",
		c.WSPort():      "websocket",
	}
	if name, clash := used[c.RelayPort]; clash {
		return fmt.Errorf("relay port %d collides with the %s port", c.RelayPort, name)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.KeepAliveTTL <= 0 {
		return fmt.Errorf("keepalive ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

type fileConfig struct {
	Key          *string  `yaml:"key"`
	Port         *int     `yaml:"port"`
	RelayPort    *int     `yaml:"relay_port"`
	MgmtAddr     *string  `yaml:"mgmt_addr"`
	AlwaysRelay  *bool    `yaml:"always_relay"`
	RelayServers []string `yaml:"relay_servers"`
	DBPath       *string  `yaml:"db"`
	JWTSecret    *string  `yaml:"jwt_secret"`
	LogFormat    *string  `yaml:"log_format"`
	LogLevel     *string  `yaml:"log_level"`
}

func loadFile(readFile readFileFunc, path string) (fileConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envSet(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && v != ""
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func applyString(dst *string, src *string, taken bool) {
	if src != nil && !taken {
		*dst = *src
	}
}

func applyInt(dst *int, src *int, taken bool) {
	if src != nil && !taken {
		*dst = *src
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
