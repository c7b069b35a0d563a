package challenge

import (
	"fmt"

	legochallenge "github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"

	"github.com/edvin/proxyhost/internal/model"
)

// NewCloudflareProvider builds lego's Cloudflare DNS provider from a
// credential. DNSAPIToken edits records; DNSZoneToken, when set, is used
// for the zone lookup.
func NewCloudflareProvider(cred model.ChallengeCredential) (legochallenge.Provider, error) {
	if cred.DNSAPIToken == "" {
		return nil, fmt.Errorf("cloudflare: api token is required")
	}

	cfg := cloudflare.NewDefaultConfig()
	cfg.AuthToken = cred.DNSAPIToken
	cfg.ZoneToken = cred.DNSZoneToken
	cfg.TTL = 120

	provider, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}
	return provider, nil
}
