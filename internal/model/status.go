package model

// CertStatus is the derived state of a host's certificate.
type CertStatus string

const (
	CertNotIssued              CertStatus = "not-issued"
	CertValid                  CertStatus = "valid"
	CertExpiringSoon           CertStatus = "expiring-soon"
	CertExpired                CertStatus = "expired"
	CertConfiguredButMissing   CertStatus = "configured-but-missing"
	CertAvailableNotConfigured CertStatus = "available-not-configured"
)

// Phase is a transient lifecycle phase tracked while an operation runs.
type Phase string

const (
	PhaseIdle     Phase = ""
	PhaseIssuing  Phase = "issuing"
	PhaseRenewing Phase = "renewing"
	PhaseFailed   Phase = "failed"
)

// NeedsRenewal reports whether the scheduler should renew a certificate in this state.
func (s CertStatus) NeedsRenewal() bool {
	return s == CertExpiringSoon || s == CertExpired
}
