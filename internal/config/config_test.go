package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func fileWith(content string) readFileFunc {
	return func(string) ([]byte, error) { return []byte(content), nil }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(noEnv, noFile, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 21116 || cfg.RelayPort != 21117 {
		t.Fatalf("ports = %d/%d", cfg.Port, cfg.RelayPort)
	}
	if cfg.NATTestPort() != 21115 || cfg.WSPort() != 21118 {
		t.Fatalf("derived ports = %d/%d", cfg.NATTestPort(), cfg.WSPort())
	}
	if cfg.MgmtAddr != "127.0.0.1:21119" {
		t.Fatalf("mgmt addr = %s", cfg.MgmtAddr)
	}
	if cfg.AlwaysRelay || cfg.Key != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.KeepAliveTTL != time.Minute {
		t.Fatalf("keepalive ttl = %v", cfg.KeepAliveTTL)
	}
}

func TestLoad_FlagsBeatEnv(t *testing.T) {
	env := envMap(map[string]string{
		"RDS_PORT": "31000",
		"RDS_KEY":  "env-key",
	})
	cfg, err := load(env, noFile, []string{"--port", "32000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 32000 {
		t.Fatalf("port = %d, want flag to win", cfg.Port)
	}
	if cfg.Key != "env-key" {
		t.Fatalf("key = %q, want env value", cfg.Key)
	}
}

func TestLoad_FileFillsUnsetOnly(t *testing.T) {
	file := fileWith("key: file-key\nport: 40000\nalways_relay: true\nrelay_servers: [r1:21117, r2:21117]\n")
	env := envMap(map[string]string{"RDS_KEY": "env-key"})
	cfg, err := load(env, file, []string{"--config", "server.yaml"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Key != "env-key" {
		t.Fatalf("key = %q, env must beat file", cfg.Key)
	}
	if cfg.Port != 40000 {
		t.Fatalf("port = %d, want file value", cfg.Port)
	}
	if !cfg.AlwaysRelay {
		t.Fatal("always_relay from file ignored")
	}
	if len(cfg.RelayServers) != 2 || cfg.RelayServers[0] != "r1:21117" {
		t.Fatalf("relay servers = %v", cfg.RelayServers)
	}
}

func TestLoad_UnknownFileKeyRejected(t *testing.T) {
	file := fileWith("bogus_key: 1\n")
	if _, err := load(noEnv, file, []string{"--config", "server.yaml"}); err == nil {
		t.Fatal("unknown file keys must be rejected")
	}
}

func TestLoad_PortCollisionRejected(t *testing.T) {
	_, err := load(noEnv, noFile, []string{"--port", "21116", "--relay-port", "21116"})
	if err == nil || !strings.Contains(err.Error(), "collides") {
		t.Fatalf("err = %v, want collision", err)
	}
}

func TestLoad_BadEnvInt(t *testing.T) {
	env := envMap(map[string]string{"RDS_PORT": "not-a-port"})
	if _, err := load(env, noFile, nil); err == nil {
		t.Fatal("bad env int must fail")
	}
}

func TestLoad_BadLogLevel(t *testing.T) {
	if _, err := load(noEnv, noFile, []string{"--log-level", "loud"}); err == nil {
		t.Fatal("bad log level must fail")
	}
}

func TestLoad_RelayServersEnv(t *testing.T) {
	env := envMap(map[string]string{"RDS_RELAY_SERVERS": " a:1 , ,b:2 "})
	cfg, err := load(env, noFile, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.RelayServers) != 2 || cfg.RelayServers[0] != "a:1" || cfg.RelayServers[1] != "b:2" {
		t.Fatalf("relay servers = %v", cfg.RelayServers)
	}
}

func TestLoad_AlwaysRelayEnvBool(t *testing.T) {
	cfg, err := load(envMap(map[string]string{"RDS_ALWAYS_USE_RELAY": "true"}), noFile, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AlwaysRelay {
		t.Fatal("env bool ignored")
	}
	if _, err := load(envMap(map[string]string{"RDS_ALWAYS_USE_RELAY": "maybe"}), noFile, nil); err == nil {
		t.Fatal("bad env bool must fail")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load(noEnv, func(string) ([]byte, error) { return nil, os.ErrNotExist }, []string{"--config", "missing.yaml"})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		log, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil || log == nil {
			t.Fatalf("format %s: %v", format, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatal("unsupported format must fail")
	}
}
