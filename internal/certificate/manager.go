// Package certificate drives the ACME lifecycle of host certificates:
// issuance, renewal, status reporting and the background renewal scan.
package certificate

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	"github.com/edvin/proxyhost/internal/certstore"
	"github.com/edvin/proxyhost/internal/challenge"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
)

const cleanupTimeout = 30 * time.Second

// ACMEClient is the part of *acme.Client used for issuance.
type ACMEClient interface {
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, id []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) (der [][]byte, certURL string, err error)
	HTTP01ChallengeResponse(token string) (string, error)
}

// ClientFactory builds an ACME client for an account key.
type ClientFactory func(key crypto.Signer, directoryURL string) ACMEClient

// NewACMEClient is the production ClientFactory.
func NewACMEClient(key crypto.Signer, directoryURL string) ACMEClient {
	return &acme.Client{Key: key, DirectoryURL: directoryURL, UserAgent: "proxyhost"}
}

// StrategySelector picks the challenge strategy for a credential.
type StrategySelector interface {
	SelectStrategy(cred model.ChallengeCredential) (challenge.Strategy, error)
}

// ConfigApplier is the config mutation pipeline.
type ConfigApplier interface {
	Apply(ctx context.Context, configPath, newText string) nginx.Result
	Read(configPath string) (string, bool, error)
}

// Archiver keeps an off-host copy of issued bundles.
type Archiver interface {
	Store(ctx context.Context, serverName string, certPEM, keyPEM []byte) error
}

// HostSource is the authoritative host state. Wiring re-reads the host under
// the source's per-host lock so a port change made during an order is kept.
type HostSource interface {
	LockState(id string) func()
	Host(id string) (*model.Host, error)
}

// ManagerConfig holds the Manager's collaborators and settings.
type ManagerConfig struct {
	DirectoryURL string
	DefaultEmail string
	// RenewalCredential is used for renewals, which run without a caller.
	// Without a DNS token renewals use HTTP-01.
	RenewalCredential model.ChallengeCredential
	RenderOptions     nginx.RenderOptions
	NewClient         ClientFactory
	Archive           Archiver
}

type phaseState struct {
	phase   model.Phase
	message string
	since   time.Time
}

// Manager issues, renews and reports certificates for hosts.
type Manager struct {
	logger     zerolog.Logger
	store      *certstore.Store
	strategies StrategySelector
	pipeline   ConfigApplier
	cfg        ManagerConfig
	hosts      HostSource
	now        func() time.Time

	// Per-host issuance locks keyed by server name.
	locks  sync.Map
	phases sync.Map
}

// NewManager creates a Manager.
func NewManager(logger zerolog.Logger, store *certstore.Store, strategies StrategySelector, pipeline ConfigApplier, cfg ManagerConfig) *Manager {
	if cfg.NewClient == nil {
		cfg.NewClient = NewACMEClient
	}
	return &Manager{
		logger:     logger.With().Str("component", "certificate-manager").Logger(),
		store:      store,
		strategies: strategies,
		pipeline:   pipeline,
		cfg:        cfg,
		now:        time.Now,
	}
}

// UseHostSource makes wiring render from the stored host instead of the
// snapshot the order started with. Call it before any issuance runs.
func (m *Manager) UseHostSource(src HostSource) {
	m.hosts = src
}

// LockHost acquires the issuance lock for a server name. Returns an unlock function.
func (m *Manager) LockHost(serverName string) func() {
	mu, _ := m.locks.LoadOrStore(serverName, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// TryLockHost is LockHost without waiting. ok is false if the host is busy.
func (m *Manager) TryLockHost(serverName string) (unlock func(), ok bool) {
	mu, _ := m.locks.LoadOrStore(serverName, &sync.Mutex{})
	if !mu.(*sync.Mutex).TryLock() {
		return nil, false
	}
	return mu.(*sync.Mutex).Unlock, true
}

// Issue obtains a certificate for the host and switches its config to HTTPS.
// On any failure nothing is stored and the config stays as it was.
func (m *Manager) Issue(ctx context.Context, host *model.Host, cred model.ChallengeCredential) (*model.CertificateRecord, error) {
	unlock := m.LockHost(host.ServerName)
	defer unlock()

	if cred.Email == "" {
		cred.Email = m.cfg.DefaultEmail
	}
	return m.obtain(ctx, host, cred, opIssue)
}

// Renew replaces the host's certificate with a fresh one from the same ACME account.
// The current certificate stays in place until the new one is wired.
func (m *Manager) Renew(ctx context.Context, host *model.Host) (*model.CertificateRecord, error) {
	unlock := m.LockHost(host.ServerName)
	defer unlock()
	return m.renew(ctx, host)
}

// renew expects the host lock to be held.
func (m *Manager) renew(ctx context.Context, host *model.Host) (*model.CertificateRecord, error) {
	if !m.store.FilesPresent(host.ServerName) {
		return nil, &model.NotFoundError{Resource: "certificate", ID: host.ServerName}
	}
	cred := m.cfg.RenewalCredential
	if cred.Email == "" {
		cred.Email = m.cfg.DefaultEmail
	}
	return m.obtain(ctx, host, cred, opRenew)
}

const (
	opIssue = "issue"
	opRenew = "renew"
)

func (m *Manager) obtain(ctx context.Context, host *model.Host, cred model.ChallengeCredential, op string) (*model.CertificateRecord, error) {
	logger := m.logger.With().Str("server_name", host.ServerName).Str("op", op).Logger()

	phase := model.PhaseIssuing
	if op == opRenew {
		phase = model.PhaseRenewing
	}
	m.setPhase(host.ServerName, phase, "")

	start := m.now()
	rec, err := m.run(ctx, logger, host, cred)
	operationDuration.WithLabelValues(op).Observe(m.now().Sub(start).Seconds())
	if err != nil {
		operationsTotal.WithLabelValues(op, "failure").Inc()
		m.setPhase(host.ServerName, model.PhaseFailed, err.Error())
		logger.Error().Err(err).Str("kind", model.KindOf(err)).Msg("certificate " + op + " failed")
		return nil, err
	}

	operationsTotal.WithLabelValues(op, "success").Inc()
	expiryTimestamp.WithLabelValues(host.ServerName).Set(float64(rec.ValidUntil.Unix()))
	m.phases.Delete(host.ServerName)
	logger.Info().Time("valid_until", rec.ValidUntil).Str("serial", rec.SerialNumber).Msg("certificate " + op + " complete")
	return rec, nil
}

func (m *Manager) run(ctx context.Context, logger zerolog.Logger, host *model.Host, cred model.ChallengeCredential) (*model.CertificateRecord, error) {
	if err := host.Validate(); err != nil {
		return nil, err
	}
	if host.ConfigPath == "" {
		return nil, &model.ValidationError{Field: "config_path", Message: "is required"}
	}
	domain := host.ServerName

	strategy, err := m.strategies.SelectStrategy(cred)
	if err != nil {
		return nil, &model.ChallengeError{Domain: domain, Step: "select strategy", Err: err}
	}
	logger = logger.With().Str("challenge", string(strategy.Kind)).Logger()
	logger.Info().Object("credential", cred).Msg("starting ACME order")

	client, err := m.client(ctx, cred.Email)
	if err != nil {
		return nil, &model.ChallengeError{Domain: domain, Step: "account", Err: err}
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, &model.ChallengeError{Domain: domain, Step: "order", Err: err}
	}

	// Proofs are withdrawn whatever happens next, even if ctx is already done.
	var prepared []challenge.Challenge
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		for _, ch := range prepared {
			if err := strategy.Provider.Cleanup(cleanupCtx, ch); err != nil {
				logger.Warn().Err(err).Str("domain", ch.Domain).Msg("challenge cleanup failed")
			}
		}
	}()

	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, &model.ChallengeError{Domain: domain, Step: "get authorization", Err: err}
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		chal := pickChallenge(authz.Challenges, strategy.Kind)
		if chal == nil {
			return nil, &model.ChallengeError{Domain: domain, Step: "get authorization", Err: fmt.Errorf("CA offered no %s challenge", strategy.Kind)}
		}

		// HTTP-01 and DNS-01 share the same key authorization; DNS providers hash it themselves.
		keyAuth, err := client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, &model.ChallengeError{Domain: domain, Step: "key authorization", Err: err}
		}

		ch := challenge.Challenge{Domain: authz.Identifier.Value, Token: chal.Token, KeyAuth: keyAuth}
		prepared = append(prepared, ch)
		if err := strategy.Provider.Prepare(ctx, ch); err != nil {
			return nil, &model.ChallengeError{Domain: ch.Domain, Step: "prepare", Err: err}
		}

		if _, err := client.Accept(ctx, chal); err != nil {
			return nil, &model.ChallengeError{Domain: ch.Domain, Step: "accept", Err: err}
		}
		if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
			return nil, &model.ChallengeError{Domain: ch.Domain, Step: "validation", Err: err}
		}
		logger.Debug().Str("domain", ch.Domain).Msg("authorization valid")
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, &model.ChallengeError{Domain: domain, Step: "wait order", Err: err}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate cert key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}

	chain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, &model.ChallengeError{Domain: domain, Step: "finalize", Err: err}
	}
	if len(chain) == 0 {
		return nil, &model.ChallengeError{Domain: domain, Step: "finalize", Err: errors.New("CA returned an empty chain")}
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM, err := certstore.EncodeECKey(certKey)
	if err != nil {
		return nil, err
	}

	commit, err := m.store.Commit(domain, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}

	if err := m.wire(ctx, host); err != nil {
		if rbErr := commit.Rollback(); rbErr != nil {
			logger.Error().Err(rbErr).Msg("failed to roll back certificate files")
		}
		return nil, err
	}
	if err := commit.Finalize(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove previous certificate files")
	}

	if m.cfg.Archive != nil {
		if err := m.cfg.Archive.Store(ctx, domain, certPEM, keyPEM); err != nil {
			logger.Warn().Err(err).Msg("certificate archive failed")
		}
	}
	return commit.Record, nil
}

// wire renders the host with TLS enabled and applies it through the pipeline.
// With a HostSource the render uses the host as stored now, under its state lock.
func (m *Manager) wire(ctx context.Context, host *model.Host) error {
	if m.hosts != nil {
		unlock := m.hosts.LockState(host.ID)
		defer unlock()
		current, err := m.hosts.Host(host.ID)
		if err != nil {
			return fmt.Errorf("reload host before wiring: %w", err)
		}
		host = current
	}
	certPath, keyPath := m.store.Paths(host.ServerName)
	text, err := nginx.Render(host, &nginx.TLSFiles{CertPath: certPath, KeyPath: keyPath}, m.cfg.RenderOptions)
	if err != nil {
		return err
	}
	res := m.pipeline.Apply(ctx, host.ConfigPath, text)
	return res.Err(host.ConfigPath)
}

// client loads the persisted account key and makes sure the account is registered.
func (m *Manager) client(ctx context.Context, email string) (ACMEClient, error) {
	key, created, err := m.store.AccountKey()
	if err != nil {
		return nil, err
	}
	client := m.cfg.NewClient(key, m.cfg.DirectoryURL)

	acct := &acme.Account{}
	if email != "" {
		acct.Contact = []string{"mailto:" + email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("register ACME account: %w", err)
	}
	if created {
		m.logger.Info().Str("email", email).Msg("registered new ACME account")
	}
	return client, nil
}

func pickChallenge(challenges []*acme.Challenge, kind challenge.Kind) *acme.Challenge {
	for _, c := range challenges {
		if c.Type == string(kind) {
			return c
		}
	}
	return nil
}

func (m *Manager) setPhase(serverName string, phase model.Phase, message string) {
	m.phases.Store(serverName, phaseState{phase: phase, message: message, since: m.now()})
}

// Status reports the derived certificate status of a host together with any
// in-flight or failed lifecycle phase.
func (m *Manager) Status(ctx context.Context, host *model.Host) (*model.CertificateView, error) {
	view := &model.CertificateView{HostID: host.ID}

	certPath, keyPath := m.store.Paths(host.ServerName)
	view.FilesPresent = m.store.FilesPresent(host.ServerName)

	configText, _, err := m.pipeline.Read(host.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", host.ConfigPath, err)
	}
	referenced := nginx.ReferencesCertificate(configText, certPath, keyPath)
	view.Configured = referenced || nginx.ReferencesAnyCertificate(configText)

	var rec *model.CertificateRecord
	if view.FilesPresent {
		rec, err = m.store.Load(host.ServerName)
		if err != nil {
			m.logger.Warn().Err(err).Str("server_name", host.ServerName).Msg("stored certificate unreadable")
			rec = nil
		}
	}

	// With files on disk only our own paths count as wired; without them any
	// ssl_certificate directive means the config points at missing material.
	wired := referenced
	if rec == nil {
		wired = view.Configured
	}
	now := m.now()
	view.Status = certstore.ComputeStatus(rec, rec != nil, wired, now)
	if rec != nil {
		rec.Status = view.Status
		days := certstore.DaysRemaining(rec, now)
		view.DaysRemaining = &days
		view.Record = rec
		expiryTimestamp.WithLabelValues(host.ServerName).Set(float64(rec.ValidUntil.Unix()))
	}

	if v, ok := m.phases.Load(host.ServerName); ok {
		ps := v.(phaseState)
		view.Phase = ps.phase
		view.PhaseMessage = ps.message
	}
	return view, nil
}

// TLSFiles returns the cert paths a host's current config wires, or nil
// when the config is HTTP-only.
func (m *Manager) TLSFiles(host *model.Host) (*nginx.TLSFiles, error) {
	configText, _, err := m.pipeline.Read(host.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", host.ConfigPath, err)
	}
	certPath, keyPath := nginx.CertificatePaths(configText)
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	return &nginx.TLSFiles{CertPath: certPath, KeyPath: keyPath}, nil
}

// wiredToStore reports whether the host's config serves the bundle this store keeps for it.
func (m *Manager) wiredToStore(host *model.Host) (bool, error) {
	files, err := m.TLSFiles(host)
	if err != nil || files == nil {
		return false, err
	}
	certPath, keyPath := m.store.Paths(host.ServerName)
	return files.CertPath == certPath && files.KeyPath == keyPath, nil
}

// Forget drops in-memory state for a deleted host.
func (m *Manager) Forget(serverName string) {
	m.phases.Delete(serverName)
	expiryTimestamp.DeleteLabelValues(serverName)
}
