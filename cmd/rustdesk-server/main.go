package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"log/slog"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/httpserver"
	"github.com/ljhlovehui/rustdesk-server/internal/keyauth"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
	"github.com/ljhlovehui/rustdesk-server/internal/registry"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/rendezvous"
	"github.com/ljhlovehui/rustdesk-server/internal/store"
	"github.com/ljhlovehui/rustdesk-server/internal/traversal"
	"github.com/ljhlovehui/rustdesk-server/internal/userauth"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	args := os.Args[1:]
	// The conventional invocation is "rustdesk-server start [flags]".
	if len(args) > 0 && args[0] == "start" {
		args = args[1:]
	}

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		logger.Error("failed to load device key", "err", err)
		os.Exit(2)
	}

	logger.Info("starting rustdesk-server",
		"port", cfg.Port,
		"nat_test_port", cfg.NATTestPort(),
		"ws_port", cfg.WSPort(),
		"relay_port", cfg.RelayPort,
		"mgmt_addr", cfg.MgmtAddr,
		"always_relay", cfg.AlwaysRelay,
		"db", cfg.DBPath,
	)
	logStartupSecurityWarnings(logger, cfg, keys)

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A corrupt database is fatal; the registry snapshot is our source of
	// identity pins across restarts.
	db, err := store.Open(ctx, "file:"+cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "err", err)
		os.Exit(2)
	}
	defer func() { _ = db.Close() }()

	reg := registry.New(logger, cfg.KeepAliveTTL)
	if devices, err := db.LoadDevices(ctx); err != nil {
		logger.Error("failed to load device snapshot", "err", err)
		os.Exit(2)
	} else if len(devices) > 0 {
		reg.Restore(devices)
		logger.Info("restored device snapshot", "devices", len(devices))
	}

	asyncAudit := audit.NewAsyncSink(db, logger, 1024, func() { m.Inc(metrics.AuditDropped) })
	defer asyncAudit.Close()
	sink := audit.MultiSink{audit.LogSink{Log: logger}, asyncAudit}

	var users *userauth.Verifier
	if cfg.JWTSecret != "" {
		users = userauth.NewVerifier(cfg.JWTSecret)
	}

	alloc := relay.NewAllocator(relay.Config{
		ClaimTTL:    cfg.ClaimTTL,
		IdleTimeout: cfg.RelayIdleTimeout,
		MaxSessions: cfg.MaxSessions,
		Endpoints:   cfg.RelayServers,
	}, logger, m, sink, nil)
	defer alloc.CloseAll()

	neg := traversal.NewNegotiator(logger, cfg.PunchWindow)
	handler := rendezvous.NewHandler(logger, rendezvous.Config{
		AlwaysRelay:    cfg.AlwaysRelay,
		ConnectTimeout: cfg.ConnectTimeout,
		PunchWindow:    cfg.PunchWindow,
	}, keys, users, reg, neg, alloc, m, sink, nil)

	// Bind everything before serving anything; a taken port is an exit,
	// not a half-running server.
	sigUDP, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error("failed to bind signaling udp", "port", cfg.Port, "err", err)
		os.Exit(1)
	}
	sigTCP, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error("failed to bind signaling tcp", "port", cfg.Port, "err", err)
		os.Exit(1)
	}
	natUDP, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.NATTestPort()))
	if err != nil {
		logger.Error("failed to bind nat test udp", "port", cfg.NATTestPort(), "err", err)
		os.Exit(1)
	}
	relayTCP, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RelayPort))
	if err != nil {
		logger.Error("failed to bind relay tcp", "port", cfg.RelayPort, "err", err)
		os.Exit(1)
	}
	wsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WSPort()))
	if err != nil {
		logger.Error("failed to bind websocket port", "port", cfg.WSPort(), "err", err)
		os.Exit(1)
	}
	mgmtLn, err := net.Listen("tcp", cfg.MgmtAddr)
	if err != nil {
		logger.Error("failed to bind management addr", "addr", cfg.MgmtAddr, "err", err)
		os.Exit(1)
	}

	relaySrv := relay.NewServer(logger, alloc, keys, m)

	wsMux := http.NewServeMux()
	wsMux.Handle("/", handler.WSHandler(ctx))
	wsMux.Handle("/relay", relaySrv.WSHandler())
	wsSrv := &http.Server{Handler: wsMux, ReadHeaderTimeout: 5 * time.Second}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	mgmt := httpserver.New(logger, cfg.MgmtAddr, httpserver.BuildInfo{Commit: commit, BuildTime: built}, reg, alloc, m, db, users)

	go reg.RunSweeper(ctx, cfg.SweepInterval, func(n int) {
		m.Add(metrics.DeviceSweptOffline, uint64(n))
	})
	go runSnapshots(ctx, logger, db, reg, m, cfg.SnapshotInterval)

	errCh := make(chan error, 8)
	go func() { errCh <- handler.ServeUDP(ctx, sigUDP) }()
	go func() { errCh <- handler.ServeTCP(ctx, sigTCP) }()
	go func() { errCh <- natcheck.NewResponder(natUDP, logger).Serve(ctx) }()
	go func() { errCh <- relaySrv.ServeTCP(ctx, relayTCP) }()
	go func() { errCh <- serveHTTP(wsSrv, wsLn) }()
	go func() {
		err := mgmt.Serve(mgmtLn)
		if errors.Is(err, httpserver.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	exit := 0
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "err", err)
			exit = 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := mgmt.Shutdown(shutdownCtx); err != nil {
		logger.Error("management server shutdown failed", "err", err)
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket server shutdown failed", "err", err)
	}
	alloc.CloseAll()

	// Final durable snapshot so identity pins survive the restart.
	if err := db.SaveDevices(shutdownCtx, reg.All()); err != nil {
		logger.Error("final device snapshot failed", "err", err)
	} else {
		m.Inc(metrics.SnapshotSaved)
	}

	os.Exit(exit)
}

func loadKeys(cfg config.Config, logger *slog.Logger) (*keyauth.Validator, error) {
	if cfg.Key == "-" {
		keys, err := keyauth.Generate()
		if err != nil {
			return nil, err
		}
		logger.Info("generated device key", "public_key", keys.PublicKey())
		return keys, nil
	}
	return keyauth.New(cfg.Key)
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func runSnapshots(ctx context.Context, logger *slog.Logger, db *store.Store, reg *registry.Registry, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.SaveDevices(ctx, reg.All()); err != nil {
				m.Inc(metrics.SnapshotSaveFailed)
				logger.Error("device snapshot failed", "err", err)
				continue
			}
			m.Inc(metrics.SnapshotSaved)
		}
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
