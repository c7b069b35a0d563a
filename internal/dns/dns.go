// Package dns points host subdomains at the proxy.
package dns

import (
	"context"

	"github.com/rs/zerolog"
)

// Collaborator creates and removes the record that routes a subdomain to the proxy.
type Collaborator interface {
	CreateCNAME(ctx context.Context, subdomain, target string) error
	DeleteRecord(ctx context.Context, subdomain string) error
}

// Noop is used when DNS is managed elsewhere.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop creates a Noop collaborator.
func NewNoop(logger zerolog.Logger) *Noop {
	return &Noop{logger: logger.With().Str("component", "dns-noop").Logger()}
}

func (n *Noop) CreateCNAME(ctx context.Context, subdomain, target string) error {
	n.logger.Debug().Str("subdomain", subdomain).Str("target", target).Msg("DNS not managed, skipping CNAME")
	return nil
}

func (n *Noop) DeleteRecord(ctx context.Context, subdomain string) error {
	n.logger.Debug().Str("subdomain", subdomain).Msg("DNS not managed, skipping delete")
	return nil
}
