package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"colonysync/internal/agentgw/bridge"
	"colonysync/internal/agentgw/mcp"
)

func main() {
	var (
		listen      = flag.String("listen", "127.0.0.1:8090", "http listen address")
		serverWSURL = flag.String("server-ws-url", "ws://127.0.0.1:8080/v1/ws", "colonysync ws url")
		version     = flag.String("protocol-version", "1", "game protocol version sent in hello")
		agentsPath  = flag.String("agents", "./configs/agents.yaml", "agent id -> player credentials (yaml)")
		hmacSecret  = flag.String("hmac-secret", "", "hmac secret (or set CS_MCP_HMAC_SECRET)")
		stateFile   = flag.String("state-file", "./data/mcp/sessions.json", "path to persisted session state")
		maxSess     = flag.Int("max-sessions", 64, "max concurrent sessions")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if strings.TrimSpace(*hmacSecret) == "" {
		*hmacSecret = strings.TrimSpace(os.Getenv("CS_MCP_HMAC_SECRET"))
	}
	requireHMAC := envBoolWithDefault("CS_MCP_REQUIRE_HMAC", productionDeploy())
	allowLegacyHMAC := envBoolWithDefault("CS_MCP_HMAC_ALLOW_LEGACY", !productionDeploy())
	if requireHMAC && *hmacSecret == "" {
		logger.Fatal("hmac secret required (set -hmac-secret or CS_MCP_HMAC_SECRET)")
	}
	if *hmacSecret == "" && !isLoopbackListenAddress(*listen) {
		logger.Fatal("refusing MCP bind on non-loopback address without hmac secret", zap.String("listen", *listen))
	}
	authMode := "hmac"
	if *hmacSecret == "" {
		authMode = "none(loopback-only)"
	}
	logger.Info("mcp auth", zap.String("mode", authMode), zap.Bool("require_hmac", requireHMAC), zap.Bool("allow_legacy_hmac", allowLegacyHMAC))

	creds, err := bridge.LoadCredentials(*agentsPath)
	if err != nil {
		logger.Fatal("load agents", zap.Error(err))
	}

	br, err := bridge.NewManager(bridge.Config{
		ServerWSURL: *serverWSURL,
		Version:     *version,
		Credentials: creds,
		StateFile:   *stateFile,
		MaxSessions: *maxSess,
	}, logger.Named("bridge"))
	if err != nil {
		logger.Fatal("bridge", zap.Error(err))
	}
	defer br.Close()

	srv, err := mcp.NewServer(mcp.Config{
		Bridge:          br,
		HMACSecret:      *hmacSecret,
		AllowLegacyHMAC: allowLegacyHMAC,
	}, logger.Named("mcp"))
	if err != nil {
		logger.Fatal("mcp", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", *listen), zap.String("server", *serverWSURL), zap.Int("agents", len(creds)))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("listen", zap.Error(err))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func productionDeploy() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return true
	default:
		return false
	}
}

func envBoolWithDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
