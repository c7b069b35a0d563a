package model

import "time"

// CertificateRecord describes the certificate material on disk for a domain set.
// It is derived from the PEM files and never authored directly.
type CertificateRecord struct {
	Domains      []string   `json:"domains"`
	CertPath     string     `json:"cert_path"`
	KeyPath      string     `json:"key_path"`
	Issuer       string     `json:"issuer,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   time.Time  `json:"valid_until"`
	Status       CertStatus `json:"status"`
}

// CertificateView is what callers see for a host: the derived status, the
// record if one exists, and any in-flight lifecycle phase.
type CertificateView struct {
	HostID        string             `json:"host_id"`
	Status        CertStatus         `json:"status"`
	Phase         Phase              `json:"phase,omitempty"`
	PhaseMessage  string             `json:"phase_message,omitempty"`
	Configured    bool               `json:"configured"`
	FilesPresent  bool               `json:"files_present"`
	Record        *CertificateRecord `json:"record,omitempty"`
	DaysRemaining *int               `json:"days_remaining,omitempty"`
}
