// Package provision turns dashboard requests into hosts: DNS record, proxy
// config and certificate, each step reported in a single Result.
package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/certificate"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
	"github.com/edvin/proxyhost/internal/platform"
)

// DNS is the collaborator that points subdomains at this proxy.
type DNS interface {
	CreateCNAME(ctx context.Context, subdomain, target string) error
	DeleteRecord(ctx context.Context, subdomain string) error
}

// Certificates is the certificate lifecycle as seen by the provisioner.
type Certificates interface {
	Issue(ctx context.Context, host *model.Host, cred model.ChallengeCredential) (*model.CertificateRecord, error)
	Renew(ctx context.Context, host *model.Host) (*model.CertificateRecord, error)
	Status(ctx context.Context, host *model.Host) (*model.CertificateView, error)
	TLSFiles(host *model.Host) (*nginx.TLSFiles, error)
	Forget(serverName string)
}

// Jobs runs certificate work in the background.
type Jobs interface {
	Submit(kind, hostID string, fn certificate.JobFunc) (*certificate.Job, error)
	Wait(ctx context.Context, job *certificate.Job) certificate.JobStatus
	Get(id string) (certificate.JobStatus, error)
}

// ConfigApplier is the config mutation pipeline.
type ConfigApplier interface {
	Apply(ctx context.Context, configPath, newText string) nginx.Result
	Read(configPath string) (string, bool, error)
}

// Config holds provisioning settings.
type Config struct {
	BaseDomain  string
	CNAMETarget string
	ConfigDir   string
	// AutoIssue requests a certificate right after a host is created.
	// It needs DefaultCredential.Email.
	AutoIssue         bool
	DefaultCredential model.ChallengeCredential
	// RequestTimeout is how long a call waits for a certificate job before
	// answering in_progress.
	RequestTimeout time.Duration
	RenderOptions  nginx.RenderOptions
}

// Result is what every dashboard-facing operation returns.
type Result struct {
	Outcome     model.Outcome          `json:"outcome"`
	Host        *model.Host            `json:"host,omitempty"`
	Hosts       []*model.Host          `json:"hosts,omitempty"`
	Certificate *model.CertificateView `json:"certificate,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	Job         *certificate.JobStatus `json:"job,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`
	Error       *model.ErrorInfo       `json:"error,omitempty"`
}

// Failed reports whether the operation did nothing.
func (r Result) Failed() bool { return r.Outcome == model.OutcomeFailed }

func failed(err error) Result {
	return Result{Outcome: model.OutcomeFailed, Error: model.NewErrorInfo(err)}
}

// Job kinds.
const (
	JobIssue = "issue"
	JobRenew = "renew"
)

// Provisioner implements the host operations behind the dashboard API.
type Provisioner struct {
	logger   zerolog.Logger
	store    HostStore
	dns      DNS
	pipeline ConfigApplier
	certs    Certificates
	jobs     Jobs
	cfg      Config
	now      func() time.Time

	// Serializes state changes per host. Separate from the issuance lock so a
	// port update never waits for the CA.
	locks sync.Map
}

// New creates a Provisioner.
func New(logger zerolog.Logger, store HostStore, dns DNS, pipeline ConfigApplier, certs Certificates, jobs Jobs, cfg Config) *Provisioner {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	p := &Provisioner{
		logger:   logger.With().Str("component", "provisioner").Logger(),
		store:    store,
		dns:      dns,
		pipeline: pipeline,
		certs:    certs,
		jobs:     jobs,
		cfg:      cfg,
		now:      time.Now,
	}
	if c, ok := certs.(interface{ UseHostSource(certificate.HostSource) }); ok {
		c.UseHostSource(p)
	}
	return p
}

func (p *Provisioner) lockHost(id string) func() {
	mu, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// LockState takes the per-host state lock that create, update and delete hold.
func (p *Provisioner) LockState(id string) func() {
	return p.lockHost(id)
}

// Host returns the stored host.
func (p *Provisioner) Host(id string) (*model.Host, error) {
	return p.store.Get(id)
}

// finish must be deferred directly so recover sees a panic.
func (p *Provisioner) finish(op string, res *Result) {
	if r := recover(); r != nil {
		p.logger.Error().Interface("panic", r).Str("op", op).Msg("provisioning operation panicked")
		*res = failed(fmt.Errorf("%s: internal error: %v", op, r))
	}
	operationsTotal.WithLabelValues(op, string(res.Outcome)).Inc()
}

// CreateHost exposes a local port under subdomain.BaseDomain.
func (p *Provisioner) CreateHost(ctx context.Context, subdomain string, port int) (res Result) {
	defer p.finish("create", &res)

	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	serverName := platform.ServerName(subdomain, p.cfg.BaseDomain)
	now := p.now().UTC()
	host := &model.Host{
		ID:           serverName,
		Subdomain:    subdomain,
		ServerName:   serverName,
		UpstreamPort: port,
		ConfigPath:   filepath.Join(p.cfg.ConfigDir, platform.ConfigFileName(serverName)),
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	if err := host.Validate(); err != nil {
		return failed(err)
	}
	logger := p.logger.With().Str("server_name", serverName).Logger()

	warnings, err := p.allocate(ctx, logger, host)
	if err != nil {
		return failed(err)
	}
	logger.Info().Int("upstream_port", port).Msg("host created")

	res = Result{Host: host, Warnings: warnings}
	if p.cfg.AutoIssue && p.cfg.DefaultCredential.Email != "" {
		p.runCertificateJob(ctx, host, JobIssue, p.cfg.DefaultCredential, &res)
		if res.Outcome == model.OutcomeFailed {
			// The host works over HTTP; a certificate failure only degrades it.
			res.Outcome = model.OutcomePartial
		}
	} else {
		res.Certificate = p.status(ctx, logger, host, &res.Warnings)
	}
	if res.Outcome == "" {
		res.Outcome = outcomeFor(res.Warnings)
	}
	return res
}

// allocate stores the host, points DNS at the proxy and applies the HTTP-only
// config. On a config failure everything it did is undone.
func (p *Provisioner) allocate(ctx context.Context, logger zerolog.Logger, host *model.Host) ([]string, error) {
	unlock := p.lockHost(host.ID)
	defer unlock()

	if _, exists, err := p.pipeline.Read(host.ConfigPath); err != nil {
		return nil, fmt.Errorf("read existing config: %w", err)
	} else if exists {
		return nil, &model.ConflictError{Resource: "config", ID: host.ConfigPath}
	}
	if err := p.store.Create(host); err != nil {
		return nil, err
	}

	var warnings []string
	if err := p.dns.CreateCNAME(ctx, host.Subdomain, p.cfg.CNAMETarget); err != nil {
		logger.Warn().Err(err).Msg("DNS record creation failed, continuing")
		warnings = append(warnings, fmt.Sprintf("dns: %v", err))
	}

	text, err := nginx.Render(host, nil, p.cfg.RenderOptions)
	if err == nil {
		err = p.pipeline.Apply(ctx, host.ConfigPath, text).Err(host.ConfigPath)
	}
	if err != nil {
		logger.Error().Err(err).Msg("proxy config rejected, deallocating host")
		p.deallocate(ctx, logger, host)
		return nil, err
	}
	return warnings, nil
}

// deallocate undoes a create whose config never went live.
func (p *Provisioner) deallocate(ctx context.Context, logger zerolog.Logger, host *model.Host) {
	if err := p.dns.DeleteRecord(ctx, host.Subdomain); err != nil {
		logger.Warn().Err(err).Msg("DNS cleanup after failed create")
	}
	if err := p.store.Delete(host.ID); err != nil {
		logger.Error().Err(err).Msg("failed to remove host state after failed create")
	}
}

// UpdateHost changes the upstream port. TLS stays enabled if the current config wires a certificate.
func (p *Provisioner) UpdateHost(ctx context.Context, id string, port int) (res Result) {
	defer p.finish("update", &res)

	unlock := p.lockHost(id)
	defer unlock()

	current, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	logger := p.logger.With().Str("server_name", current.ServerName).Logger()

	updated := *current
	updated.UpstreamPort = port
	updated.ModifiedAt = p.now().UTC()
	if err := updated.Validate(); err != nil {
		return failed(err)
	}

	tlsFiles, err := p.certs.TLSFiles(current)
	if err != nil {
		return failed(err)
	}
	text, err := nginx.Render(&updated, tlsFiles, p.cfg.RenderOptions)
	if err != nil {
		return failed(err)
	}
	if err := p.pipeline.Apply(ctx, updated.ConfigPath, text).Err(updated.ConfigPath); err != nil {
		logger.Warn().Err(err).Msg("port update rejected, host unchanged")
		return failed(err)
	}

	if err := p.store.Put(&updated); err != nil {
		// Put the old port back so config and state agree.
		logger.Error().Err(err).Msg("failed to persist port update, reverting config")
		if oldText, rErr := nginx.Render(current, tlsFiles, p.cfg.RenderOptions); rErr == nil {
			if rErr := p.pipeline.Apply(context.WithoutCancel(ctx), current.ConfigPath, oldText).Err(current.ConfigPath); rErr != nil {
				logger.Error().Err(rErr).Msg("failed to revert config after state write failure")
			}
		}
		return failed(err)
	}
	logger.Info().Int("from", current.UpstreamPort).Int("to", port).Bool("tls", tlsFiles != nil).Msg("host updated")

	res = Result{Host: &updated}
	res.Certificate = p.status(ctx, logger, &updated, &res.Warnings)
	res.Outcome = outcomeFor(res.Warnings)
	return res
}

// DeleteHost removes the host's config, DNS record and state. Certificate files stay on disk.
func (p *Provisioner) DeleteHost(ctx context.Context, id string) (res Result) {
	defer p.finish("delete", &res)

	unlock := p.lockHost(id)
	defer unlock()

	host, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	logger := p.logger.With().Str("server_name", host.ServerName).Logger()

	if err := p.pipeline.Apply(ctx, host.ConfigPath, "").Err(host.ConfigPath); err != nil {
		logger.Error().Err(err).Msg("failed to remove proxy config")
		return failed(err)
	}

	var warnings []string
	if err := p.dns.DeleteRecord(ctx, host.Subdomain); err != nil {
		logger.Warn().Err(err).Msg("DNS record cleanup failed")
		warnings = append(warnings, fmt.Sprintf("dns: %v", err))
	}
	if err := p.store.Delete(host.ID); err != nil {
		return failed(fmt.Errorf("delete host state: %w", err))
	}
	p.certs.Forget(host.ServerName)
	logger.Info().Msg("host deleted")

	return Result{Outcome: outcomeFor(warnings), Host: host, Warnings: warnings}
}

// GetHost returns a host with its certificate status.
func (p *Provisioner) GetHost(ctx context.Context, id string) (res Result) {
	defer p.finish("get", &res)

	host, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	res = Result{Host: host}
	res.Certificate = p.status(ctx, p.logger, host, &res.Warnings)
	res.Outcome = outcomeFor(res.Warnings)
	return res
}

// ListHosts returns every host.
func (p *Provisioner) ListHosts(ctx context.Context) (res Result) {
	defer p.finish("list", &res)

	hosts, err := p.store.List()
	if err != nil {
		return failed(err)
	}
	if hosts == nil {
		hosts = []*model.Host{}
	}
	return Result{Outcome: model.OutcomeOK, Hosts: hosts}
}

// GetCertificateStatus reports the derived certificate state of a host.
func (p *Provisioner) GetCertificateStatus(ctx context.Context, id string) (res Result) {
	defer p.finish("certificate_status", &res)

	host, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	view, err := p.certs.Status(ctx, host)
	if err != nil {
		return failed(err)
	}
	return Result{Outcome: model.OutcomeOK, Host: host, Certificate: view}
}

// IssueCertificate obtains a certificate for a host. DNS credentials select DNS-01.
func (p *Provisioner) IssueCertificate(ctx context.Context, id string, cred model.ChallengeCredential) (res Result) {
	defer p.finish("issue", &res)

	host, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	if cred.Email == "" {
		cred.Email = p.cfg.DefaultCredential.Email
	}
	res = Result{Host: host}
	p.runCertificateJob(ctx, host, JobIssue, cred, &res)
	return res
}

// RenewCertificate renews a host's certificate now.
func (p *Provisioner) RenewCertificate(ctx context.Context, id string) (res Result) {
	defer p.finish("renew", &res)

	host, err := p.store.Get(id)
	if err != nil {
		return failed(err)
	}
	res = Result{Host: host}
	p.runCertificateJob(ctx, host, JobRenew, model.ChallengeCredential{}, &res)
	return res
}

// GetJob reports a certificate job.
func (p *Provisioner) GetJob(ctx context.Context, id string) (res Result) {
	defer p.finish("get_job", &res)

	st, err := p.jobs.Get(id)
	if err != nil {
		return failed(err)
	}
	res = Result{Outcome: model.OutcomeOK, JobID: st.ID, Job: &st}
	switch st.State {
	case certificate.JobQueued, certificate.JobRunning:
		res.Outcome = model.OutcomeInProgress
	case certificate.JobFailed:
		res.Outcome = model.OutcomeFailed
		res.Error = st.Error
	}
	return res
}

// runCertificateJob submits an issue or renew job and waits up to
// RequestTimeout for it. It fills Outcome, Certificate, JobID and Error.
func (p *Provisioner) runCertificateJob(ctx context.Context, host *model.Host, kind string, cred model.ChallengeCredential, res *Result) {
	logger := p.logger.With().Str("server_name", host.ServerName).Str("job", kind).Logger()

	id := host.ID
	job, err := p.jobs.Submit(kind, id, func(ctx context.Context) (any, error) {
		// Re-read so a port change made while queued is kept.
		current, err := p.store.Get(id)
		if err != nil {
			return nil, err
		}
		if kind == JobRenew {
			return p.certs.Renew(ctx, current)
		}
		return p.certs.Issue(ctx, current, cred)
	})
	if err != nil {
		res.Outcome = model.OutcomeFailed
		res.Error = model.NewErrorInfo(err)
		return
	}
	res.JobID = job.ID()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	st := p.jobs.Wait(waitCtx, job)

	switch st.State {
	case certificate.JobSucceeded:
		res.Certificate = p.status(ctx, logger, host, &res.Warnings)
		res.Outcome = outcomeFor(res.Warnings)
	case certificate.JobFailed:
		logger.Warn().Err(st.Err).Msg("certificate job failed")
		res.Outcome = model.OutcomeFailed
		res.Error = st.Error
		res.Certificate = p.status(ctx, logger, host, &res.Warnings)
	default:
		logger.Info().Str("job_id", job.ID()).Msg("certificate job still running, answering in progress")
		res.Outcome = model.OutcomeInProgress
	}
}

// status is the certificate view for a result. A failure becomes a warning.
func (p *Provisioner) status(ctx context.Context, logger zerolog.Logger, host *model.Host, warnings *[]string) *model.CertificateView {
	view, err := p.certs.Status(ctx, host)
	if err != nil {
		logger.Warn().Err(err).Msg("certificate status unavailable")
		*warnings = append(*warnings, fmt.Sprintf("certificate status: %v", err))
		return nil
	}
	return view
}

func outcomeFor(warnings []string) model.Outcome {
	if len(warnings) > 0 {
		return model.OutcomePartial
	}
	return model.OutcomeOK
}
