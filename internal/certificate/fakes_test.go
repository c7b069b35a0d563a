package certificate

import (
	"context"
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"

	"github.com/edvin/proxyhost/internal/certstore"
	"github.com/edvin/proxyhost/internal/certstore/testcert"
	"github.com/edvin/proxyhost/internal/challenge"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
)

// fakeCA implements ACMEClient on top of a local test CA. Every
// authorization offers both http-01 and dns-01.
type fakeCA struct {
	mu sync.Mutex
	ca *testcert.CA

	validity    time.Duration
	registerErr error
	acceptErr   error
	finalizeErr error

	registered []*acme.Account
	accepted   []string
	domain     string
	keys       []crypto.Signer
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	ca, err := testcert.NewCA("Fake ACME CA")
	require.NoError(t, err)
	return &fakeCA{ca: ca, validity: 90 * 24 * time.Hour}
}

func (f *fakeCA) factory(key crypto.Signer, directoryURL string) ACMEClient {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return f
}

func (f *fakeCA) Register(ctx context.Context, acct *acme.Account, prompt func(string) bool) (*acme.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	if len(f.registered) > 0 {
		return nil, acme.ErrAccountAlreadyExists
	}
	f.registered = append(f.registered, acct)
	return acct, nil
}

func (f *fakeCA) AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domain = ids[0].Value
	return &acme.Order{
		URI:         "https://ca.test/order/1",
		Status:      acme.StatusPending,
		Identifiers: ids,
		AuthzURLs:   []string{"https://ca.test/authz/1"},
		FinalizeURL: "https://ca.test/finalize/1",
	}, nil
}

func (f *fakeCA) GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &acme.Authorization{
		URI:        url,
		Status:     acme.StatusPending,
		Identifier: acme.AuthzID{Type: "dns", Value: f.domain},
		Challenges: []*acme.Challenge{
			{Type: "http-01", URI: "https://ca.test/chal/http", Token: "http-token"},
			{Type: "dns-01", URI: "https://ca.test/chal/dns", Token: "dns-token"},
		},
	}, nil
}

func (f *fakeCA) Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted = append(f.accepted, chal.Type)
	return chal, nil
}

func (f *fakeCA) WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	return &acme.Authorization{URI: url, Status: acme.StatusValid}, nil
}

func (f *fakeCA) WaitOrder(ctx context.Context, url string) (*acme.Order, error) {
	return &acme.Order{URI: url, Status: acme.StatusReady, FinalizeURL: "https://ca.test/finalize/1"}, nil
}

func (f *fakeCA) CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return nil, "", f.finalizeErr
	}
	now := time.Now()
	chain, err := f.ca.SignCSR(csr, now.Add(-time.Hour), now.Add(f.validity))
	if err != nil {
		return nil, "", err
	}
	return chain, "https://ca.test/cert/1", nil
}

func (f *fakeCA) HTTP01ChallengeResponse(token string) (string, error) {
	return token + ".thumbprint", nil
}

// fakeProvider records prepared and cleaned challenges. onPrepare runs after
// the proof is recorded, while the order is in flight.
type fakeProvider struct {
	mu         sync.Mutex
	kind       challenge.Kind
	prepareErr error
	onPrepare  func(ctx context.Context)
	prepared   []challenge.Challenge
	cleaned    []challenge.Challenge
}

func (p *fakeProvider) Type() challenge.Kind { return p.kind }

func (p *fakeProvider) Prepare(ctx context.Context, ch challenge.Challenge) error {
	p.mu.Lock()
	p.prepared = append(p.prepared, ch)
	err, hook := p.prepareErr, p.onPrepare
	p.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return err
}

func (p *fakeProvider) Cleanup(ctx context.Context, ch challenge.Challenge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.cleaned = append(p.cleaned, ch)
	return nil
}

type fakeSelector struct {
	http *fakeProvider
	dns  *fakeProvider
}

func (s *fakeSelector) SelectStrategy(cred model.ChallengeCredential) (challenge.Strategy, error) {
	if cred.HasDNS() {
		return challenge.Strategy{Kind: challenge.KindDNS01, Provider: s.dns}, nil
	}
	return challenge.Strategy{Kind: challenge.KindHTTP01, Provider: s.http}, nil
}

// fakeProxy accepts everything unless told otherwise.
type fakeProxy struct {
	mu          sync.Mutex
	validateErr error
	reloads     int
}

func (p *fakeProxy) Validate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validateErr != nil {
		return "nginx: [emerg] invalid config", p.validateErr
	}
	return "syntax is ok", nil
}

func (p *fakeProxy) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

func (p *fakeProxy) failValidation(err error) {
	p.mu.Lock()
	p.validateErr = err
	p.mu.Unlock()
}

type testEnv struct {
	manager  *Manager
	store    *certstore.Store
	pipeline *nginx.Pipeline
	proxy    *fakeProxy
	ca       *fakeCA
	selector *fakeSelector
	archive  *fakeArchive
	dir      string
}

type fakeArchive struct {
	mu      sync.Mutex
	stored  []string
	failErr error
}

func (a *fakeArchive) Store(ctx context.Context, serverName string, certPEM, keyPEM []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return a.failErr
	}
	a.stored = append(a.stored, serverName)
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	env := &testEnv{
		proxy: &fakeProxy{},
		ca:    newFakeCA(t),
		selector: &fakeSelector{
			http: &fakeProvider{kind: challenge.KindHTTP01},
			dns:  &fakeProvider{kind: challenge.KindDNS01},
		},
		archive: &fakeArchive{},
		dir:     dir,
	}
	env.pipeline = nginx.NewPipeline(logger, env.proxy, filepath.Join(dir, "conf.d"), filepath.Join(dir, "revisions"))
	env.store = certstore.New(logger, filepath.Join(dir, "certs"), certstore.WithSwapGuard(env.pipeline.WithLock))
	env.manager = NewManager(logger, env.store, env.selector, env.pipeline, ManagerConfig{
		DirectoryURL:  "https://ca.test/directory",
		DefaultEmail:  "ops@example.com",
		RenderOptions: nginx.RenderOptions{ACMEWebroot: filepath.Join(dir, "acme")},
		NewClient:     env.ca.factory,
		Archive:       env.archive,
	})
	return env
}

// addHost creates an HTTP-only host through the pipeline.
func (e *testEnv) addHost(t *testing.T, subdomain string, port int) *model.Host {
	t.Helper()
	serverName := subdomain + ".example.com"
	host := &model.Host{
		ID:           serverName,
		Subdomain:    subdomain,
		ServerName:   serverName,
		UpstreamPort: port,
		ConfigPath:   filepath.Join(e.pipeline.ConfigDir(), serverName+".conf"),
	}
	text, err := nginx.Render(host, nil, nginx.RenderOptions{ACMEWebroot: filepath.Join(e.dir, "acme")})
	require.NoError(t, err)
	require.True(t, e.pipeline.Apply(context.Background(), host.ConfigPath, text).OK)
	return host
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

type staticHosts struct {
	hosts []*model.Host
	err   error
}

func (s staticHosts) List() ([]*model.Host, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hosts, nil
}

// memHosts is a HostSource with per-host state locks.
type memHosts struct {
	mu    sync.Mutex
	locks sync.Map
	hosts map[string]model.Host
}

func newMemHosts(hosts ...*model.Host) *memHosts {
	m := &memHosts{hosts: map[string]model.Host{}}
	for _, h := range hosts {
		m.put(h)
	}
	return m
}

func (m *memHosts) LockState(id string) func() {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

func (m *memHosts) Host(id string) (*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, &model.NotFoundError{Resource: "host", ID: id}
	}
	return &h, nil
}

func (m *memHosts) put(h *model.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[h.ID] = *h
}

func (m *memHosts) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, id)
}

func (e *testEnv) renderOptions() nginx.RenderOptions {
	return nginx.RenderOptions{ACMEWebroot: filepath.Join(e.dir, "acme")}
}

var errBoom = errors.New("boom")
