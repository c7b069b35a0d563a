package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/api"
	"github.com/edvin/proxyhost/internal/archive"
	"github.com/edvin/proxyhost/internal/certificate"
	"github.com/edvin/proxyhost/internal/certstore"
	"github.com/edvin/proxyhost/internal/challenge"
	"github.com/edvin/proxyhost/internal/config"
	"github.com/edvin/proxyhost/internal/dns"
	"github.com/edvin/proxyhost/internal/logging"
	"github.com/edvin/proxyhost/internal/metrics"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
	"github.com/edvin/proxyhost/internal/provision"
)

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	proxy     *nginx.Controller
	pipeline  *nginx.Pipeline
	manager   *certificate.Manager
	worker    *certificate.Worker
	scheduler *certificate.Scheduler
	hosts     *provision.FileStore
	svc       *provision.Provisioner
	closers   []func()
}

func main() {
	renewNow := flag.Bool("renew-now", false, "Run one renewal scan and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.close()

	// Undo any apply that was interrupted by a crash before taking new work.
	if err := a.pipeline.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to recover proxy config")
	}

	if *renewNow {
		report, err := a.scheduler.RunOnce(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("renewal scan failed")
		}
		logger.Info().Interface("report", report).Msg("renewal scan finished")
		if report.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	a.serve(ctx)
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.proxy = nginx.NewController(logger, nginx.ControllerConfig{
		ValidateCmd: cfg.NginxValidateCmd,
		ReloadCmd:   cfg.NginxReloadCmd,
		PIDFile:     cfg.NginxPIDFile,
		Timeout:     cfg.NginxCommandTimeout,
	})
	a.pipeline = nginx.NewPipeline(logger, a.proxy, cfg.NginxConfigDir, filepath.Join(cfg.StateDir, "revisions"))

	strategies := challenge.NewFactory(logger, challenge.FactoryConfig{
		Webroot:            cfg.ACMEWebroot,
		HTTPAttempts:       cfg.HTTPChallengeAttempts,
		Resolvers:          cfg.DNSResolvers,
		PropagationTimeout: cfg.DNSPropagationTimeout,
		PollInterval:       cfg.DNSPollInterval,
	})

	renderOpts := nginx.RenderOptions{ACMEWebroot: cfg.ACMEWebroot}
	serviceCred := model.ChallengeCredential{
		Email:        cfg.ACMEEmail,
		DNSAPIToken:  cfg.DNSAPIToken,
		DNSZoneToken: cfg.DNSZoneToken,
	}

	managerCfg := certificate.ManagerConfig{
		DirectoryURL:      cfg.ACMEDirectoryURL,
		DefaultEmail:      cfg.ACMEEmail,
		RenewalCredential: serviceCred,
		RenderOptions:     renderOpts,
	}
	if cfg.ArchiveEnabled() {
		managerCfg.Archive = archive.NewS3(logger, archive.S3Config{
			Endpoint:  cfg.ArchiveS3Endpoint,
			Region:    cfg.ArchiveS3Region,
			Bucket:    cfg.ArchiveS3Bucket,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		})
		logger.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("certificate archive enabled")
	}
	a.manager = certificate.NewManager(logger, certstore.New(logger, cfg.CertDir, certstore.WithSwapGuard(a.pipeline.WithLock)), strategies, a.pipeline, managerCfg)

	a.worker = certificate.NewWorker(logger, certificate.WorkerConfig{
		Concurrency: cfg.WorkerConcurrency,
		Timeout:     cfg.IssuanceTimeout,
	})
	a.hosts = provision.NewFileStore(filepath.Join(cfg.StateDir, "hosts"))

	scheduler, err := certificate.NewScheduler(logger, a.manager, a.hosts, certificate.SchedulerConfig{
		Schedule:    cfg.RenewalSchedule,
		Concurrency: cfg.RenewalConcurrency,
		Timeout:     cfg.IssuanceTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.scheduler = scheduler

	var collaborator provision.DNS = dns.NewNoop(logger)
	if cfg.PowerDNSDatabaseURL != "" {
		pool, err := dns.NewPool(ctx, cfg.PowerDNSDatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		metrics.RegisterPowerDNSPoolMetrics(prometheus.DefaultRegisterer, pool)
		collaborator = dns.NewPowerDNS(logger, pool, cfg.BaseDomain)
		logger.Info().Str("zone", cfg.BaseDomain).Msg("powerdns DNS collaborator enabled")
	}

	a.svc = provision.New(logger, a.hosts, collaborator, a.pipeline, a.manager, a.worker, provision.Config{
		BaseDomain:        cfg.BaseDomain,
		CNAMETarget:       cfg.CNAMETarget,
		ConfigDir:         cfg.NginxConfigDir,
		AutoIssue:         cfg.AutoIssue,
		DefaultCredential: serviceCred,
		RequestTimeout:    cfg.RequestTimeout,
		RenderOptions:     renderOpts,
	})
	return a, nil
}

func (a *app) serve(ctx context.Context) {
	logger := a.logger

	tlsConfig, err := a.cfg.APIServerTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure API TLS")
	}
	if tlsConfig == nil && a.cfg.APIToken == "" {
		logger.Warn().Msg("API is served without TLS client auth or token")
	}

	srv := api.NewServer(logger, a.svc, api.Options{Token: a.cfg.APIToken, Health: a.proxy.Healthy})
	httpServer := &http.Server{
		Addr:         a.cfg.HTTPListenAddr,
		Handler:      srv.Handler(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := metrics.NewServer(a.cfg.MetricsAddr, prometheus.DefaultGatherer, a.proxy.Healthy)

	go func() {
		logger.Info().Str("addr", a.cfg.HTTPListenAddr).Bool("tls", tlsConfig != nil).Msg("starting API server")
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	a.scheduler.Start()
	logger.Info().Str("schedule", a.cfg.RenewalSchedule).Msg("renewal scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	a.scheduler.Stop()
	if err := a.worker.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("certificate jobs still running at shutdown")
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
