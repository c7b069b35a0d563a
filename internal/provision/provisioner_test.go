package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/proxyhost/internal/certificate"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
)

type mockDNS struct {
	mock.Mock
}

func (m *mockDNS) CreateCNAME(ctx context.Context, subdomain, target string) error {
	return m.Called(subdomain, target).Error(0)
}

func (m *mockDNS) DeleteRecord(ctx context.Context, subdomain string) error {
	return m.Called(subdomain).Error(0)
}

type fakeProxy struct {
	mu          sync.Mutex
	validateErr error
}

func (p *fakeProxy) Validate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validateErr != nil {
		return "nginx: [emerg] unexpected end of file", p.validateErr
	}
	return "", nil
}

func (p *fakeProxy) Reload(ctx context.Context) error { return nil }

// fakeCerts stands in for the certificate manager.
type fakeCerts struct {
	mu       sync.Mutex
	issueErr error
	block    chan struct{}
	tls      *nginx.TLSFiles
	issued   []model.ChallengeCredential
	renewed  []string
	forgot   []string
	statusOf model.CertStatus
	source   certificate.HostSource
}

func (c *fakeCerts) UseHostSource(src certificate.HostSource) {
	c.source = src
}

func (c *fakeCerts) Issue(ctx context.Context, host *model.Host, cred model.ChallengeCredential) (*model.CertificateRecord, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued = append(c.issued, cred)
	if c.issueErr != nil {
		return nil, c.issueErr
	}
	c.statusOf = model.CertValid
	return &model.CertificateRecord{Domains: []string{host.ServerName}}, nil
}

func (c *fakeCerts) Renew(ctx context.Context, host *model.Host) (*model.CertificateRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewed = append(c.renewed, host.ID)
	return &model.CertificateRecord{Domains: []string{host.ServerName}}, nil
}

func (c *fakeCerts) Status(ctx context.Context, host *model.Host) (*model.CertificateView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.statusOf
	if status == "" {
		status = model.CertNotIssued
	}
	return &model.CertificateView{HostID: host.ID, Status: status}, nil
}

func (c *fakeCerts) TLSFiles(host *model.Host) (*nginx.TLSFiles, error) {
	return c.tls, nil
}

func (c *fakeCerts) Forget(serverName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgot = append(c.forgot, serverName)
}

type provisionEnv struct {
	p      *Provisioner
	dns    *mockDNS
	proxy  *fakeProxy
	certs  *fakeCerts
	store  *FileStore
	worker *certificate.Worker
	conf   string
}

func newProvisionEnv(t *testing.T, mutate func(*Config)) *provisionEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	env := &provisionEnv{
		dns:    &mockDNS{},
		proxy:  &fakeProxy{},
		certs:  &fakeCerts{},
		store:  NewFileStore(filepath.Join(dir, "hosts")),
		worker: certificate.NewWorker(logger, certificate.WorkerConfig{Timeout: 5 * time.Second}),
		conf:   filepath.Join(dir, "conf.d"),
	}
	t.Cleanup(func() { _ = env.worker.Shutdown(context.Background()) })

	pipeline := nginx.NewPipeline(logger, env.proxy, env.conf, filepath.Join(dir, "revisions"))
	cfg := Config{
		BaseDomain:     "proxy.example.com",
		CNAMETarget:    "edge.example.net",
		ConfigDir:      env.conf,
		RequestTimeout: 2 * time.Second,
		RenderOptions:  nginx.RenderOptions{ACMEWebroot: filepath.Join(dir, "acme")},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.p = New(logger, env.store, env.dns, pipeline, env.certs, env.worker, cfg)
	return env
}

func (e *provisionEnv) configPath(serverName string) string {
	return filepath.Join(e.conf, serverName+".conf")
}

func TestCreateHost_HTTPOnly(t *testing.T) {
	env := newProvisionEnv(t, nil)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)

	res := env.p.CreateHost(context.Background(), "app", 3000)
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)

	require.NotNil(t, res.Host)
	assert.Equal(t, "app.proxy.example.com", res.Host.ServerName)
	assert.Equal(t, "app.proxy.example.com", res.Host.ID)
	assert.Equal(t, env.configPath("app.proxy.example.com"), res.Host.ConfigPath)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, model.CertNotIssued, res.Certificate.Status)

	data, err := os.ReadFile(res.Host.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "proxy_pass http://127.0.0.1:3000;")
	assert.NotContains(t, string(data), "ssl_certificate")

	stored, err := env.store.Get("app.proxy.example.com")
	require.NoError(t, err)
	assert.Equal(t, 3000, stored.UpstreamPort)
	assert.Empty(t, env.certs.issued)
	env.dns.AssertExpectations(t)
}

func TestCreateHost_DNSFailureIsWarning(t *testing.T) {
	env := newProvisionEnv(t, nil)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(errors.New("zone not found"))

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.Equal(t, model.OutcomePartial, res.Outcome)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "zone not found")
	assert.FileExists(t, env.configPath("app.proxy.example.com"))
}

func TestCreateHost_ConfigRejectedDeallocates(t *testing.T) {
	env := newProvisionEnv(t, nil)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)
	env.dns.On("DeleteRecord", "app").Return(nil)
	env.proxy.validateErr = errors.New("exit status 1")

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Error)
	assert.Equal(t, model.KindConfigSyntax, res.Error.Kind)
	assert.Contains(t, res.Error.Detail, "unexpected end of file")

	assert.NoFileExists(t, env.configPath("app.proxy.example.com"))
	_, err := env.store.Get("app.proxy.example.com")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	env.dns.AssertExpectations(t)
}

func TestCreateHost_Conflict(t *testing.T) {
	env := newProvisionEnv(t, nil)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)

	require.Equal(t, model.OutcomeOK, env.p.CreateHost(context.Background(), "app", 3000).Outcome)

	res := env.p.CreateHost(context.Background(), "APP", 4000)
	assert.True(t, res.Failed())
	assert.Equal(t, model.KindConflict, res.Error.Kind)
	env.dns.AssertNumberOfCalls(t, "CreateCNAME", 1)
}

func TestCreateHost_Invalid(t *testing.T) {
	env := newProvisionEnv(t, nil)

	tests := []struct {
		name      string
		subdomain string
		port      int
	}{
		{"port zero", "app", 0},
		{"port too high", "app", 70000},
		{"underscore", "my_app", 3000},
		{"empty", "", 3000},
		{"leading hyphen", "-app", 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.p.CreateHost(context.Background(), tt.subdomain, tt.port)
			assert.True(t, res.Failed())
			assert.Equal(t, model.KindValidation, res.Error.Kind)
		})
	}
	env.dns.AssertNotCalled(t, "CreateCNAME", mock.Anything, mock.Anything)
}

func autoIssue(c *Config) {
	c.AutoIssue = true
	c.DefaultCredential = model.ChallengeCredential{Email: "ops@example.com"}
}

func TestCreateHost_AutoIssue(t *testing.T) {
	env := newProvisionEnv(t, autoIssue)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.NotEmpty(t, res.JobID)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, model.CertValid, res.Certificate.Status)
	require.Len(t, env.certs.issued, 1)
	assert.Equal(t, "ops@example.com", env.certs.issued[0].Email)
}

func TestCreateHost_AutoIssueFailureIsPartial(t *testing.T) {
	env := newProvisionEnv(t, autoIssue)
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)
	env.certs.issueErr = &model.ChallengeUnreachableError{URL: "http://app.proxy.example.com/.well-known/acme-challenge/x", Err: errors.New("404")}

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.Equal(t, model.OutcomePartial, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.KindChallengeUnreachable, res.Error.Kind)
	assert.FileExists(t, env.configPath("app.proxy.example.com"))
}

func TestCreateHost_AutoIssueInProgress(t *testing.T) {
	env := newProvisionEnv(t, func(c *Config) {
		autoIssue(c)
		c.RequestTimeout = 20 * time.Millisecond
	})
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)
	env.certs.block = make(chan struct{})

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.Equal(t, model.OutcomeInProgress, res.Outcome)
	require.NotEmpty(t, res.JobID)

	job := env.p.GetJob(context.Background(), res.JobID)
	assert.Equal(t, model.OutcomeInProgress, job.Outcome)

	close(env.certs.block)
	require.Eventually(t, func() bool {
		return env.p.GetJob(context.Background(), res.JobID).Outcome == model.OutcomeOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateHost_AutoIssueNeedsEmail(t *testing.T) {
	env := newProvisionEnv(t, func(c *Config) { c.AutoIssue = true })
	env.dns.On("CreateCNAME", "app", "edge.example.net").Return(nil)

	res := env.p.CreateHost(context.Background(), "app", 3000)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Empty(t, res.JobID)
	assert.Empty(t, env.certs.issued)
}

func createHost(t *testing.T, env *provisionEnv, subdomain string, port int) *model.Host {
	t.Helper()
	env.dns.On("CreateCNAME", subdomain, "edge.example.net").Return(nil)
	res := env.p.CreateHost(context.Background(), subdomain, port)
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)
	return res.Host
}

func TestUpdateHost(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)

	res := env.p.UpdateHost(context.Background(), host.ID, 4000)
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)
	assert.Equal(t, 4000, res.Host.UpstreamPort)

	data, err := os.ReadFile(host.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "proxy_pass http://127.0.0.1:4000;")

	stored, err := env.store.Get(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 4000, stored.UpstreamPort)
	assert.Equal(t, host.CreatedAt, stored.CreatedAt)
}

func TestUpdateHost_WaitsForCertificateWiring(t *testing.T) {
	env := newProvisionEnv(t, nil)
	require.NotNil(t, env.certs.source)
	host := createHost(t, env, "app", 3000)

	// Wiring holds the state lock while it renders from the stored host.
	unlock := env.certs.source.LockState(host.ID)
	done := make(chan Result, 1)
	go func() { done <- env.p.UpdateHost(context.Background(), host.ID, 4000) }()

	select {
	case <-done:
		t.Fatal("port update ran while the host was being wired")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	res := <-done
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)
	stored, err := env.certs.source.Host(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 4000, stored.UpstreamPort)
}

func TestUpdateHost_KeepsTLS(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	env.certs.tls = &nginx.TLSFiles{CertPath: "/certs/app/fullchain.pem", KeyPath: "/certs/app/privkey.pem"}

	res := env.p.UpdateHost(context.Background(), host.ID, 4000)
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)

	data, err := os.ReadFile(host.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ssl_certificate     /certs/app/fullchain.pem;")
	assert.Contains(t, string(data), "proxy_pass http://127.0.0.1:4000;")
}

func TestUpdateHost_RejectedKeepsPort(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	before, err := os.ReadFile(host.ConfigPath)
	require.NoError(t, err)

	env.proxy.validateErr = errors.New("exit status 1")
	res := env.p.UpdateHost(context.Background(), host.ID, 4000)
	assert.True(t, res.Failed())
	assert.Equal(t, model.KindConfigSyntax, res.Error.Kind)

	stored, err := env.store.Get(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 3000, stored.UpstreamPort)

	after, err := os.ReadFile(host.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateHost_Errors(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)

	res := env.p.UpdateHost(context.Background(), "missing.proxy.example.com", 4000)
	assert.Equal(t, model.KindNotFound, res.Error.Kind)

	res = env.p.UpdateHost(context.Background(), host.ID, 0)
	assert.Equal(t, model.KindValidation, res.Error.Kind)
}

func TestDeleteHost(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	env.dns.On("DeleteRecord", "app").Return(nil)

	res := env.p.DeleteHost(context.Background(), host.ID)
	assert.Equal(t, model.OutcomeOK, res.Outcome)

	assert.NoFileExists(t, host.ConfigPath)
	_, err := env.store.Get(host.ID)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	assert.Equal(t, []string{host.ServerName}, env.certs.forgot)
	env.dns.AssertExpectations(t)

	res = env.p.DeleteHost(context.Background(), host.ID)
	assert.Equal(t, model.KindNotFound, res.Error.Kind)
}

func TestDeleteHost_DNSFailureIsWarning(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	env.dns.On("DeleteRecord", "app").Return(errors.New("db down"))

	res := env.p.DeleteHost(context.Background(), host.ID)
	assert.Equal(t, model.OutcomePartial, res.Outcome)
	assert.NoFileExists(t, host.ConfigPath)
}

func TestDeleteHost_ConfigFailureKeepsHost(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	env.proxy.validateErr = errors.New("exit status 1")

	res := env.p.DeleteHost(context.Background(), host.ID)
	assert.True(t, res.Failed())
	assert.FileExists(t, host.ConfigPath)
	_, err := env.store.Get(host.ID)
	assert.NoError(t, err)
	env.dns.AssertNotCalled(t, "DeleteRecord", mock.Anything)
}

func TestListAndGetHost(t *testing.T) {
	env := newProvisionEnv(t, nil)

	res := env.p.ListHosts(context.Background())
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.NotNil(t, res.Hosts)
	assert.Empty(t, res.Hosts)

	host := createHost(t, env, "app", 3000)
	createHost(t, env, "api", 3001)

	res = env.p.ListHosts(context.Background())
	require.Len(t, res.Hosts, 2)
	assert.Equal(t, "api.proxy.example.com", res.Hosts[0].ID)

	res = env.p.GetHost(context.Background(), host.ID)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, host.ID, res.Host.ID)
	assert.NotNil(t, res.Certificate)
}

func TestIssueCertificate(t *testing.T) {
	env := newProvisionEnv(t, func(c *Config) {
		c.DefaultCredential = model.ChallengeCredential{Email: "ops@example.com"}
	})
	host := createHost(t, env, "app", 3000)

	res := env.p.IssueCertificate(context.Background(), host.ID, model.ChallengeCredential{DNSAPIToken: "cf-token"})
	require.Equal(t, model.OutcomeOK, res.Outcome, res.Error)
	assert.Equal(t, model.CertValid, res.Certificate.Status)

	require.Len(t, env.certs.issued, 1)
	assert.Equal(t, "ops@example.com", env.certs.issued[0].Email)
	assert.Equal(t, "cf-token", env.certs.issued[0].DNSAPIToken)
}

func TestIssueCertificate_Failed(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)
	env.certs.issueErr = &model.DNSPropagationTimeoutError{FQDN: "_acme-challenge.app.proxy.example.com.", Err: errors.New("timeout")}

	res := env.p.IssueCertificate(context.Background(), host.ID, model.ChallengeCredential{DNSAPIToken: "cf-token"})
	assert.True(t, res.Failed())
	assert.Equal(t, model.KindDNSPropagationTimeout, res.Error.Kind)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, model.CertNotIssued, res.Certificate.Status)

	job := env.p.GetJob(context.Background(), res.JobID)
	assert.True(t, job.Failed())
	assert.Equal(t, certificate.JobFailed, job.Job.State)
}

func TestIssueCertificate_UnknownHost(t *testing.T) {
	env := newProvisionEnv(t, nil)
	res := env.p.IssueCertificate(context.Background(), "nope.proxy.example.com", model.ChallengeCredential{})
	assert.Equal(t, model.KindNotFound, res.Error.Kind)
}

func TestRenewCertificate(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)

	res := env.p.RenewCertificate(context.Background(), host.ID)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, []string{host.ID}, env.certs.renewed)
}

func TestGetCertificateStatus(t *testing.T) {
	env := newProvisionEnv(t, nil)
	host := createHost(t, env, "app", 3000)

	res := env.p.GetCertificateStatus(context.Background(), host.ID)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, model.CertNotIssued, res.Certificate.Status)
}

func TestGetJob_Unknown(t *testing.T) {
	env := newProvisionEnv(t, nil)
	res := env.p.GetJob(context.Background(), "missing")
	assert.Equal(t, model.KindNotFound, res.Error.Kind)
}
