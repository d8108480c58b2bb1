package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"colonysync/internal/persistence/r2s3"
	"colonysync/internal/sim/catalogs"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/scenario"
	"colonysync/internal/sim/tuning"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		scenarioPath = flag.String("scenario", "", "path to scenario.yaml (default: <configs>/scenario.yaml)")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite request index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		turnEvery  = flag.Duration("turn_interval", 0, "advance the turn on this interval (0 disables)")
	)
	flag.Parse()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatal("load catalogs", zap.Error(err))
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatal("load tuning", zap.Error(err))
		}
		logger.Info("tuning not found; using defaults", zap.String("path", tp))
		tune = tuning.Defaults()
	}

	sp := strings.TrimSpace(*scenarioPath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scenario.yaml")
	}
	scen, err := scenario.Load(sp)
	if err != nil {
		logger.Fatal("load scenario", zap.Error(err))
	}

	gameDir := filepath.Join(*dataDir, "games", scen.GameID)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		logger.Fatal("data dir", zap.Error(err))
	}
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(gameDir)
	}

	g, err := newGame(gameOptions{
		GameDir:   gameDir,
		Scenario:  scen,
		Tuning:    tune,
		Catalogs:  cats,
		Snapshot:  snapshotToLoad,
		DisableDB: *disableDB || !indexEnabled(),
		Mirror:    newMirror(*dataDir, logger),
	}, logger)
	if err != nil {
		logger.Fatal("start game", zap.Error(err))
	}
	defer g.close()

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := g.run(ctx); err != nil {
			logger.Error("game stopped", zap.Error(err))
			cancel()
		}
	}()
	if *turnEvery > 0 {
		go func() {
			t := time.NewTicker(*turnEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if res, err := g.announce(ctx, rules.NextTurn()); err != nil || res.Err != nil {
						logger.Warn("next turn", zap.Error(errors.Join(err, res.Err)))
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		g.writeMetrics(rw)
	})

	enableAdminHTTP := envBool("CS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("CS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		g.registerAdmin(mux)
	} else {
		logger.Info("admin endpoints disabled (CS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Info("pprof endpoints disabled (CS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", g.sessions.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", zap.String("addr", *addr), zap.String("game", scen.GameID))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if envBool("CS_LOG_DEV", false) {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// newMirror uploads snapshots to an S3-compatible bucket when
// CS_MIRROR_ENDPOINT is set.
func newMirror(dataDir string, logger *zap.Logger) *r2s3.Mirror {
	endpoint := strings.TrimSpace(os.Getenv("CS_MIRROR_ENDPOINT"))
	if endpoint == "" {
		return nil
	}
	client, err := r2s3.New(r2s3.Config{
		Endpoint:        endpoint,
		Bucket:          os.Getenv("CS_MIRROR_BUCKET"),
		Region:          os.Getenv("CS_MIRROR_REGION"),
		AccessKeyID:     os.Getenv("CS_MIRROR_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("CS_MIRROR_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		logger.Fatal("mirror config", zap.Error(err))
	}
	logger.Info("mirroring snapshots", zap.String("endpoint", endpoint))
	return r2s3.NewMirror(client, dataDir, r2s3.MirrorOptions{Prefix: os.Getenv("CS_MIRROR_PREFIX")}, logger.Named("mirror"))
}

// indexEnabled reads CS_INDEX_BACKEND; sqlite is the only backend.
func indexEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CS_INDEX_BACKEND"))) {
	case "none", "off", "disabled":
		return false
	}
	return true
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
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
