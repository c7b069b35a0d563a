// Package challenge publishes ACME proofs of domain control.
//
// Two strategies exist and exactly one is used per issuance: HTTP-01, which
// drops the key authorization into a shared webroot served by nginx, and
// DNS-01, which publishes a TXT record through a DNS provider API.
package challenge

import (
	"context"
	"fmt"
	"time"

	legochallenge "github.com/go-acme/lego/v4/challenge"
	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/model"
)

// Kind names an ACME challenge type.
type Kind string

const (
	KindHTTP01 Kind = "http-01"
	KindDNS01  Kind = "dns-01"
)

// Challenge is one authorization's proof material.
type Challenge struct {
	Domain  string
	Token   string
	KeyAuth string
}

// Provider publishes and withdraws the proof for a challenge.
type Provider interface {
	Type() Kind
	// Prepare publishes the proof and returns once it is verifiably reachable.
	Prepare(ctx context.Context, ch Challenge) error
	// Cleanup withdraws the proof. It is safe to call after a failed Prepare.
	Cleanup(ctx context.Context, ch Challenge) error
}

// Strategy is the challenge type chosen for one issuance together with its provider.
type Strategy struct {
	Kind     Kind
	Provider Provider
}

// DNSProviderFactory builds a lego DNS provider from a credential.
type DNSProviderFactory func(cred model.ChallengeCredential) (legochallenge.Provider, error)

// FactoryConfig configures the providers a Factory hands out.
type FactoryConfig struct {
	Webroot            string
	HTTPAttempts       uint
	HTTPDelay          time.Duration
	Resolvers          []string
	PropagationTimeout time.Duration
	PollInterval       time.Duration
	DNSQueryTimeout    time.Duration
	NewDNSProvider     DNSProviderFactory
	HTTPOptions        []HTTPOption
	Lookup             TXTLookup
}

// Factory selects and builds the provider for an issuance.
type Factory struct {
	logger zerolog.Logger
	cfg    FactoryConfig
	http   *HTTPWebroot
	lookup TXTLookup
}

// NewFactory creates a Factory. The HTTP-01 provider is shared because it is stateless.
func NewFactory(logger zerolog.Logger, cfg FactoryConfig) *Factory {
	if cfg.NewDNSProvider == nil {
		cfg.NewDNSProvider = NewCloudflareProvider
	}
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = NewResolver(cfg.DNSQueryTimeout)
	}
	opts := append([]HTTPOption{WithRetry(cfg.HTTPAttempts, cfg.HTTPDelay)}, cfg.HTTPOptions...)
	return &Factory{
		logger: logger,
		cfg:    cfg,
		http:   NewHTTPWebroot(logger, cfg.Webroot, opts...),
		lookup: lookup,
	}
}

// SelectStrategy picks DNS-01 when the credential carries a DNS API token
// and HTTP-01 otherwise. The choice is made once per issuance.
func (f *Factory) SelectStrategy(cred model.ChallengeCredential) (Strategy, error) {
	if !cred.HasDNS() {
		return Strategy{Kind: KindHTTP01, Provider: f.http}, nil
	}

	dnsProvider, err := f.cfg.NewDNSProvider(cred)
	if err != nil {
		return Strategy{}, fmt.Errorf("create dns provider: %w", err)
	}
	provider := NewDNSAPI(f.logger, dnsProvider, f.lookup, DNSAPIConfig{
		Resolvers:          f.cfg.Resolvers,
		PropagationTimeout: f.cfg.PropagationTimeout,
		PollInterval:       f.cfg.PollInterval,
	})
	return Strategy{Kind: KindDNS01, Provider: provider}, nil
}
