package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"ex10-server/internal/companion"
	"ex10-server/internal/config"
	"ex10-server/internal/handlers"
	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
	"ex10-server/internal/middleware"
	"ex10-server/internal/ports"
	"ex10-server/internal/proxy"
	"ex10-server/internal/sandbox"
	"ex10-server/internal/session"
	"ex10-server/internal/session/journal"
	"ex10-server/internal/system"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	envFiles := flag.StringSlice("env-file", []string{".env"}, "dotenv files to load before reading the environment")
	reapOnly := flag.Bool("reap-only", false, "remove sessions left behind by a previous run and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ex10-server %s (%s)\n", version, commit)
		return
	}

	if err := config.LoadDotEnv(*envFiles...); err != nil {
		fmt.Fprintln(os.Stderr, "WARNING:", err)
	}
	logging.Init(config.GetEnvironment())
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, *reapOnly, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, reapOnly bool, log *zap.Logger) error {
	m := metrics.Get()
	m.SetBuildInfo(version, commit)

	runner := system.NewExecRunner(cfg.Sandbox.UseSudo, log)
	layout := sandbox.LayoutFromConfig(cfg.Sandbox)

	allocator, err := ports.NewAllocator(cfg.Sandbox.MinPort, cfg.Sandbox.MaxPort, ports.WithLogger(log))
	if err != nil {
		return fmt.Errorf("port allocator: %w", err)
	}

	sessionJournal, err := journal.Open(cfg.Journal.DSN, log)
	if err != nil {
		return fmt.Errorf("session journal: %w", err)
	}
	defer sessionJournal.Close()

	relay := sandbox.NewRelay(runner, layout, cfg.Sandbox.TempDir, log)
	defer relay.Close()

	svc := session.NewService(session.NewRegistry(), session.Deps{
		Ports:          allocator,
		Identity:       sandbox.NewIdentity(runner, layout, log),
		Network:        sandbox.NewFirewall(runner, layout, log),
		Supervisor:     sandbox.NewSupervisor(runner, layout, log),
		Seeder:         sandbox.NewSeeder(relay, layout, cfg.Sandbox.ExtensionTemplateDir, cfg.Companion.PublicURL),
		Relay:          relay,
		Journal:        sessionJournal,
		UsernamePrefix: cfg.Sandbox.UsernamePrefix,
		Logger:         log,
	})

	reapCtx, cancelReap := context.WithTimeout(context.Background(), shutdownTimeout)
	reaped, err := svc.ReapOrphans(reapCtx)
	cancelReap()
	if err != nil {
		log.Warn("orphan reaping failed", zap.Error(err))
	} else if reaped > 0 {
		log.Info("removed sessions left by a previous run", zap.Int("count", reaped))
	}
	if reapOnly {
		return nil
	}

	proxyRouter := proxy.NewRouter(svc, log)
	companionServer := companion.NewServer(svc, cfg.Companion, log,
		companion.WithAllowedOrigins(cfg.HTTP.CORSAllowedOrigins))

	svc.OnCleanup(func(id string) {
		proxyRouter.Evict(id)
		companionServer.Disconnect(id)
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var createLimiter *middleware.IPRateLimiter
	if cfg.HTTP.CreateRatePerMinute > 0 {
		createLimiter = middleware.PerMinute(cfg.HTTP.CreateRatePerMinute, cfg.HTTP.CreateBurst)
		go createLimiter.Run(ctx)
	}

	if config.IsProductionEnvironment() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(svc, companionServer, proxyRouter, log)
	router := handlers.NewRouter(h, handlers.RouterOptions{
		Proxy:         proxyRouter,
		CORSOrigins:   cfg.HTTP.CORSAllowedOrigins,
		CreateLimiter: createLimiter,
		Logger:        log,
		ExposeMetrics: true,
	})

	collector := metrics.NewCollector(metrics.Sources{
		Sessions:         svc.Registry().Len,
		PortsInUse:       allocator.Len,
		ProxyTargets:     proxyRouter.Len,
		CompanionClients: companionServer.Len,
	}, 15*time.Second)
	collector.Start(ctx)
	defer collector.Stop()

	go companionServer.Run(ctx)

	apiServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           proxyRouter.InterceptUpgrades(router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	wsServer := companionServer.HTTPServer(":" + strconv.Itoa(cfg.Companion.Port))

	serverErrors := make(chan error, 2)
	go func() {
		log.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.Info("companion server listening",
			zap.String("addr", wsServer.Addr),
			zap.Bool("tls", wsServer.TLSConfig != nil))
		if err := companion.ListenAndServe(wsServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("companion server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-serverErrors:
		log.Error("server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server shutdown", zap.Error(err))
	}
	companionServer.Stop()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("companion server shutdown", zap.Error(err))
	}
	stop()

	reports := svc.CleanupAll(shutdownCtx)
	failed := 0
	for _, r := range reports {
		if !r.Success {
			failed++
			log.Warn("session cleanup incomplete", zap.String("session_id", r.SessionID), zap.Strings("errors", r.Errors))
		}
	}
	log.Info("all sessions cleaned up", zap.Int("sessions", len(reports)), zap.Int("failed", failed))

	return runErr
}
