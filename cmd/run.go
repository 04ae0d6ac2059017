package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tollgate/internal/api"
	"grimm.is/tollgate/internal/authserver"
	"grimm.is/tollgate/internal/config"
	"grimm.is/tollgate/internal/firewall"
	"grimm.is/tollgate/internal/gateway"
	"grimm.is/tollgate/internal/logging"
	"grimm.is/tollgate/internal/metrics"
	"grimm.is/tollgate/internal/monitor"
	"grimm.is/tollgate/internal/neighbor"
	"grimm.is/tollgate/internal/probe"
	"grimm.is/tollgate/internal/scheduler"
	"grimm.is/tollgate/internal/state"
)

const shutdownTimeout = 10 * time.Second

// RunDaemon loads configFile, brings the gateway up and runs until SIGINT or
// SIGTERM. The firewall rules are removed on the way out.
func RunDaemon(configFile, logLevel string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogging(cfg, logLevel)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger)
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	started := time.Now()
	m := metrics.Get()

	fw, err := firewall.Open(firewall.Options{
		Table:          cfg.Firewall.Table,
		Interface:      cfg.Gateway.Interface,
		ValidationKbps: cfg.Firewall.ValidationKbps,
		FlushConntrack: cfg.Firewall.FlushConntrack,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open firewall: %w", err)
	}

	auth := authserver.NewHTTPClient(authserver.ClientOptions{
		GatewayID: cfg.GatewayID,
		Servers:   authServers(cfg),
		Logger:    logger,
	})

	gw, err := gateway.New(gateway.Options{
		Firewall:      fw,
		Auth:          auth,
		Prober:        probe.NewICMPProber(logger),
		Neighbors:     neighbor.NewTable(cfg.ARPTable, cfg.Gateway.Interface, logger),
		Metrics:       m,
		Logger:        logger,
		CheckInterval: cfg.CheckIntervalDuration(),
		ClientTimeout: cfg.ClientTimeout,
	})
	if err != nil {
		return err
	}

	var store *state.Store
	if cfg.StateFile != "" {
		store, err = state.Open(state.DefaultOptions(cfg.StateFile))
		if err != nil {
			return fmt.Errorf("failed to open state file: %w", err)
		}
		defer store.Close()

		clients, err := store.Load(ctx)
		if err != nil {
			logger.Warn("Failed to load saved clients, starting empty", "error", err)
		} else {
			savedAt, _ := store.SavedAt(ctx)
			logger.Info("Restored clients from state file", "count", len(clients), "saved_at", savedAt)
			gw.Inherit(clients)
		}
	}

	if err := gw.Initialize(ctx); err != nil {
		if tErr := gw.Teardown(); tErr != nil {
			logger.Warn("Teardown after failed start", "error", tErr)
		}
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	defer func() {
		if err := gw.Teardown(); err != nil {
			logger.Error("Teardown failed", "error", err)
		}
	}()

	mon := monitor.New(monitor.Options{
		Gateway:       gw,
		Auth:          auth,
		Resolver:      authserver.NewResolver(cfg.Nameserver, logger),
		AuthHosts:     authHosts(cfg),
		FailOpen:      cfg.FailOpen,
		OnlineTargets: cfg.OnlineProbes,
		Metrics:       m,
		Logger:        logger,
	})

	registry := &scheduler.TaskRegistry{
		RunPass: func(ctx context.Context) error {
			m.Uptime.Set(time.Since(started).Seconds())
			return gw.RunPass(ctx)
		},
		CheckAuthServers: mon.CheckAuthServers,
		CheckOnline:      mon.CheckOnline,
	}
	if store != nil {
		registry.SaveState = func(ctx context.Context) error {
			return store.Save(ctx, gw.Clients())
		}
	}

	sched := scheduler.New(logger)
	interval := cfg.CheckIntervalDuration()
	tasks := []*scheduler.Task{scheduler.NewSyncTask(registry, interval)}
	if cfg.RemoteAuth() {
		tasks = append(tasks, scheduler.NewAuthMonitorTask(registry, interval))
	}
	if len(cfg.OnlineProbes) > 0 {
		tasks = append(tasks, scheduler.NewOnlineCheckTask(registry, interval))
	}
	if store != nil {
		tasks = append(tasks, scheduler.NewStateSnapshotTask(registry, interval))
	}
	for _, t := range tasks {
		if err := sched.AddTask(t); err != nil {
			return err
		}
	}

	srv, err := api.NewServer(api.ServerOptions{
		Gateway:      gw,
		Tasks:        sched,
		ServeMetrics: cfg.Metrics == nil,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx, cfg.API.Listen) }()
	if cfg.Metrics != nil {
		go func() { errCh <- serveMetrics(ctx, cfg.Metrics.Listen, logger) }()
	}

	sched.Start(ctx)
	logger.Info("Gateway running",
		"interface", cfg.Gateway.Interface,
		"auth_servers", len(cfg.AuthServers),
		"check_interval", interval,
		"client_timeout", cfg.ClientTimeoutDuration())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("Listener failed, shutting down", "error", runErr)
		}
	}
	cancel()
	sched.Stop()

	if store != nil {
		saveCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := store.Save(saveCtx, gw.Clients()); err != nil {
			logger.Error("Failed to save clients", "error", err)
		}
		done()
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	return api.ServeListener(ctx, ln, promhttp.Handler(), logger.WithComponent("metrics"))
}

func authServers(cfg *config.Config) []authserver.Server {
	servers := make([]authserver.Server, 0, len(cfg.AuthServers))
	for _, as := range cfg.AuthServers {
		servers = append(servers, authserver.Server{
			Name:    as.Name,
			Host:    as.Hostname,
			BaseURL: as.BaseURL(),
			Timeout: as.TimeoutDuration(),
		})
	}
	return servers
}

func authHosts(cfg *config.Config) []string {
	hosts := make([]string, 0, len(cfg.AuthServers))
	for _, as := range cfg.AuthServers {
		hosts = append(hosts, as.Hostname)
	}
	return hosts
}
