package request

import "github.com/edvin/proxyhost/internal/model"

// CreateHost is the body of POST /hosts.
type CreateHost struct {
	Subdomain string `json:"subdomain" validate:"required,subdomain"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
}

// UpdateHost is the body of PUT /hosts/{id}. Only the port is mutable.
type UpdateHost struct {
	Port int `json:"port" validate:"required,min=1,max=65535"`
}

// IssueCertificate is the optional body of POST /hosts/{id}/certificate.
// A DNS API token selects DNS-01 validation.
type IssueCertificate struct {
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	DNSAPIToken  string `json:"dns_api_token,omitempty"`
	DNSZoneToken string `json:"dns_zone_token,omitempty"`
}

// Credential converts the request into the credential passed to issuance.
func (r IssueCertificate) Credential() model.ChallengeCredential {
	return model.ChallengeCredential{
		Email:        r.Email,
		DNSAPIToken:  r.DNSAPIToken,
		DNSZoneToken: r.DNSZoneToken,
	}
}
