package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostwatch/hostwatch/internal/certs"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/docker"
	"github.com/hostwatch/hostwatch/internal/events"
	"github.com/hostwatch/hostwatch/internal/httpserver"
	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/nginx"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/hostwatch/hostwatch/internal/webserver"
)

type App struct {
	cfg       *config.Config
	logger    logger.Logger
	docker    *docker.Client
	swarm     *docker.Client
	server    *webserver.WebServer
	listener  *events.Listener
	refresher *certs.RefreshScheduler
	admin     *httpserver.Server
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	ctx := context.Background()

	// Fail fast: nothing works without the runtime socket.
	dockerClient, err := docker.NewClient(ctx)
	if err != nil {
		loggerClient.Errorf("Failed to connect to the container runtime: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("container runtime connected")

	swarmClient := dockerClient
	if cfg.SwarmDockerHost != "" && cfg.ServicesEnabled() {
		swarmClient, err = docker.NewClientWithHost(ctx, cfg.SwarmDockerHost)
		if err != nil {
			loggerClient.Errorf("Failed to connect to the swarm runtime: %v", err)
			os.Exit(1)
		}
		loggerClient.Info("swarm runtime connected",
			logger.String("host", cfg.SwarmDockerHost))
	}

	store, err := certs.NewKeyStore(cfg.SSLDir)
	if err != nil {
		loggerClient.Errorf("Failed to open key store: %v", err)
		os.Exit(1)
	}

	solvers := []certs.Solver{&certs.HTTPSolver{ChallengeDir: cfg.ChallengeDir}}
	if cfg.CloudflareAPIToken != "" {
		cloudflare, err := certs.NewCloudflare(cfg.CloudflareAPIToken, cfg.CloudflareAccountID)
		if err != nil {
			loggerClient.Errorf("Failed to initialise cloudflare dns-01 provider: %v", err)
			os.Exit(1)
		}
		solvers = append(solvers, certs.NewDNSSolver(cloudflare))
		loggerClient.Info("dns-01 solver enabled (cloudflare)")
	}

	acme := certs.NewAcmeClient(cfg.AcmeAPI, store, solvers, loggerClient.Named("acme"))
	certManager := certs.NewManager(store, acme, cfg.CertRenewThresholdDays, loggerClient.Named("certs"))

	renderer, err := nginx.NewRenderer(nginx.Settings{
		WorkerProcesses:   cfg.WorkerProcesses,
		WorkerConnections: cfg.WorkerConnections,
		ClientMaxBodySize: cfg.ClientMaxBodySize,
		EnableIPv6:        cfg.EnableIPv6,
		DefaultServer:     cfg.DefaultServer,
		SSLDir:            cfg.SSLDir,
		ChallengeDir:      cfg.ChallengeDir,
		WellKnownPath:     cfg.WellKnownPath,
	})
	if err != nil {
		loggerClient.Errorf("Failed to parse templates: %v", err)
		os.Exit(1)
	}
	driver := nginx.NewDriver("", cfg.ConfDir, loggerClient.Named("nginx"))

	post := webserver.NewPostprocessor(certManager, cfg.BasicAuthDir, loggerClient.Named("render"))
	server := webserver.New(cfg, dockerClient, swarmClient, post, renderer, driver, loggerClient.Named("controller"))

	listener := events.New(cfg, dockerClient, swarmClient, server, loggerClient.Named("events"))
	refresher := certs.NewRefreshScheduler(certManager, server.Rebuild, loggerClient.Named("refresh"))

	var admin *httpserver.Server
	if cfg.AdminAddr != "" {
		admin = httpserver.New(cfg, server, loggerClient.Named("admin"))
	}

	return &App{
		cfg:       cfg,
		logger:    loggerClient,
		docker:    dockerClient,
		swarm:     swarmClient,
		server:    server,
		listener:  listener,
		refresher: refresher,
		admin:     admin,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting hostwatch v%s", version.Version)
	a.logger.Infof("hostwatch %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initial scan and engine start; a failure here is fatal.
	if err := a.server.Setup(ctx); err != nil {
		return fmt.Errorf("failed to start proxy engine: %w", err)
	}

	a.listener.Start(ctx)
	a.logger.Info("event listener started")

	a.refresher.Start(ctx)
	a.logger.Info("certificate refresh scheduler started")

	errCh := make(chan error, 1)
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	a.listener.Stop()
	a.refresher.Stop()

	if a.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.admin.Stop(shutdownCtx); err != nil {
			a.logger.Warnf("failed to stop admin server: %v", err)
		}
	}

	if err := a.server.Shutdown(); err != nil {
		a.logger.Warnf("failed to stop proxy engine: %v", err)
	}

	if err := a.docker.Close(); err != nil {
		a.logger.Warnf("failed to close runtime client: %v", err)
	}
	if a.swarm != nil && a.swarm != a.docker {
		if err := a.swarm.Close(); err != nil {
			a.logger.Warnf("failed to close swarm client: %v", err)
		}
	}

	a.logger.Info("✅ hostwatch stopped cleanly")
	return nil
}
