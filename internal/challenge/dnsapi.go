package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	legochallenge "github.com/go-acme/lego/v4/challenge"
	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/model"
)

// DNSAPIConfig bounds the propagation wait.
type DNSAPIConfig struct {
	Resolvers          []string
	PropagationTimeout time.Duration
	PollInterval       time.Duration
}

// DNSAPI publishes DNS-01 proofs through a provider API and waits until
// every configured recursive resolver returns the expected TXT value.
type DNSAPI struct {
	logger   zerolog.Logger
	provider legochallenge.Provider
	lookup   TXTLookup
	cfg      DNSAPIConfig
}

// NewDNSAPI creates a DNS-01 provider.
func NewDNSAPI(logger zerolog.Logger, provider legochallenge.Provider, lookup TXTLookup, cfg DNSAPIConfig) *DNSAPI {
	if cfg.PropagationTimeout <= 0 {
		cfg.PropagationTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &DNSAPI{
		logger:   logger.With().Str("component", "dns01-api").Logger(),
		provider: provider,
		lookup:   lookup,
		cfg:      cfg,
	}
}

func (d *DNSAPI) Type() Kind { return KindDNS01 }

// TXTRecord returns the record name and value a DNS-01 challenge must publish.
func TXTRecord(domain, keyAuth string) (fqdn, value string) {
	sum := sha256.Sum256([]byte(keyAuth))
	return "_acme-challenge." + strings.TrimSuffix(domain, ".") + ".", base64.RawURLEncoding.EncodeToString(sum[:])
}

func (d *DNSAPI) Prepare(ctx context.Context, ch Challenge) error {
	fqdn, value := TXTRecord(ch.Domain, ch.KeyAuth)
	logger := d.logger.With().Str("domain", ch.Domain).Str("fqdn", fqdn).Logger()

	if err := d.provider.Present(ch.Domain, ch.Token, ch.KeyAuth); err != nil {
		return fmt.Errorf("create TXT record %s: %w", fqdn, err)
	}
	logger.Info().Msg("TXT record created, waiting for propagation")

	if err := d.waitForPropagation(ctx, fqdn, value); err != nil {
		return err
	}
	logger.Info().Msg("TXT record visible at all resolvers")
	return nil
}

func (d *DNSAPI) waitForPropagation(ctx context.Context, fqdn, value string) error {
	if len(d.cfg.Resolvers) == 0 {
		return &model.DNSPropagationTimeoutError{FQDN: fqdn, Err: errors.New("no resolvers configured")}
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PropagationTimeout)
	defer cancel()

	err := retry.Do(
		func() error {
			for _, server := range d.cfg.Resolvers {
				values, err := d.lookup.LookupTXT(waitCtx, server, fqdn)
				if err != nil {
					return fmt.Errorf("query %s: %w", server, err)
				}
				if !slices.Contains(values, value) {
					return fmt.Errorf("resolver %s does not see the expected value yet", server)
				}
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(d.cfg.PollInterval),
		retry.MaxDelay(4*d.cfg.PollInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	// The caller's own cancellation is not a propagation timeout.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &model.DNSPropagationTimeoutError{FQDN: fqdn, Err: err}
}

// Cleanup deletes the TXT record.
func (d *DNSAPI) Cleanup(ctx context.Context, ch Challenge) error {
	if err := d.provider.CleanUp(ch.Domain, ch.Token, ch.KeyAuth); err != nil {
		fqdn, _ := TXTRecord(ch.Domain, ch.KeyAuth)
		return fmt.Errorf("delete TXT record %s: %w", fqdn, err)
	}
	return nil
}
