package main

import (
	"log/slog"
	"net"

	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/keyauth"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, keys *keyauth.Validator) {
	if logger == nil {
		logger = slog.Default()
	}

	if keys.Open() {
		logger.Warn("startup security warning: no device key configured, any client can register",
			"warning_code", "open_registration",
		)
	}

	if cfg.JWTSecret == "" {
		logger.Warn("startup security warning: no JWT secret configured, the management API is disabled",
			"warning_code", "no_jwt_secret",
		)
	}

	if cfg.MgmtAddr != "" && !isLoopbackAddr(cfg.MgmtAddr) {
		logger.Warn("startup security warning: management API bound to a non-loopback address",
			"warning_code", "mgmt_non_loopback",
			"mgmt_addr", cfg.MgmtAddr,
		)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
