package certificate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/proxyhost/internal/model"
)

// HostLister lists every managed host.
type HostLister interface {
	List() ([]*model.Host, error)
}

// ScanReport summarizes one renewal scan.
type ScanReport struct {
	Checked int `json:"checked"`
	Due     int `json:"due"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// SchedulerConfig configures the renewal scheduler.
type SchedulerConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 12h".
	Schedule    string
	Concurrency int
	// Timeout bounds a single renewal.
	Timeout time.Duration
}

// Scheduler periodically renews certificates that are expiring soon or already expired.
type Scheduler struct {
	logger  zerolog.Logger
	manager *Manager
	hosts   HostLister
	cfg     SchedulerConfig
	cron    *cron.Cron

	mu      sync.Mutex
	running context.CancelFunc
}

// NewScheduler creates a Scheduler. The schedule is parsed here.
func NewScheduler(logger zerolog.Logger, manager *Manager, hosts HostLister, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	s := &Scheduler{
		logger:  logger.With().Str("component", "renewal-scheduler").Logger(),
		manager: manager,
		hosts:   hosts,
		cfg:     cfg,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("parse renewal schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running scans on the schedule.
func (s *Scheduler) Start() {
	s.logger.Info().Str("schedule", s.cfg.Schedule).Int("concurrency", s.cfg.Concurrency).Msg("renewal scheduler started")
	s.cron.Start()
}

// Stop stops the schedule, cancels an in-flight scan and waits for it to return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.mu.Lock()
	if s.running != nil {
		s.running()
	}
	s.mu.Unlock()
	<-stopped.Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = nil
		s.mu.Unlock()
		cancel()
	}()

	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("renewal scan failed")
		return
	}
	s.logger.Info().
		Int("checked", report.Checked).
		Int("due", report.Due).
		Int("renewed", report.Renewed).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("renewal scan complete")
}

// RunOnce scans all hosts and renews those that are due. Hosts with an
// issuance already in progress are skipped. Individual renewal failures
// are counted, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (ScanReport, error) {
	hosts, err := s.hosts.List()
	if err != nil {
		return ScanReport{}, fmt.Errorf("list hosts: %w", err)
	}

	var (
		mu     sync.Mutex
		report ScanReport
	)
	count := func(fn func(r *ScanReport)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, host := range hosts {
		g.Go(func() error {
			outcome := s.check(gctx, host)
			renewalScans.WithLabelValues(outcome).Inc()
			count(func(r *ScanReport) {
				r.Checked++
				switch outcome {
				case "renewed":
					r.Due++
					r.Renewed++
				case "failed":
					r.Due++
					r.Failed++
				case "busy":
					r.Due++
					r.Skipped++
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	return report, ctx.Err()
}

func (s *Scheduler) check(ctx context.Context, host *model.Host) string {
	logger := s.logger.With().Str("server_name", host.ServerName).Logger()

	view, err := s.manager.Status(ctx, host)
	if err != nil {
		logger.Warn().Err(err).Msg("status check failed")
		return "error"
	}
	if !view.Status.NeedsRenewal() {
		return "current"
	}
	// Renewing wires TLS, and whether an unwired certificate goes live is the operator's call.
	wired, err := s.manager.wiredToStore(host)
	if err != nil {
		logger.Warn().Err(err).Msg("status check failed")
		return "error"
	}
	if !wired {
		logger.Info().Str("status", string(view.Status)).Msg("certificate not referenced by the host config, not renewing")
		return "unwired"
	}

	unlock, ok := s.manager.TryLockHost(host.ServerName)
	if !ok {
		logger.Info().Msg("issuance in progress, skipping renewal")
		return "busy"
	}
	defer unlock()

	renewCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	logger.Info().Str("status", string(view.Status)).Msg("renewing certificate")
	if _, err := s.manager.renew(renewCtx, host); err != nil {
		// The previous certificate stays wired; the next scan retries.
		return "failed"
	}
	return "renewed"
}
