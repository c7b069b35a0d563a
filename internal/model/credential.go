package model

import "github.com/rs/zerolog"

// ChallengeCredential is the per-issuance secret bundle. It is never persisted.
type ChallengeCredential struct {
	Email string
	// DNSAPIToken enables the DNS-01 strategy when set.
	DNSAPIToken string
	// DNSZoneToken is an optional zone-scoped read token; DNSAPIToken is used when empty.
	DNSZoneToken string
}

// HasDNS reports whether DNS provider credentials were supplied.
func (c ChallengeCredential) HasDNS() bool {
	return c.DNSAPIToken != ""
}

func (c ChallengeCredential) String() string {
	return "email=" + c.Email + " dns_token=" + Redact(c.DNSAPIToken) + " zone_token=" + Redact(c.DNSZoneToken)
}

// MarshalZerologObject keeps secrets out of structured logs.
func (c ChallengeCredential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("email", c.Email).
		Str("dns_token", Redact(c.DNSAPIToken)).
		Str("zone_token", Redact(c.DNSZoneToken))
}

// Redact keeps the first three characters of a secret.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 3 {
		return "***"
	}
	return secret[:3] + "***"
}
