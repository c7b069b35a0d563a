package certstore

import (
	"time"

	"github.com/edvin/proxyhost/internal/model"
)

// ExpiringSoonWindow is how far ahead of expiry a certificate counts as expiring soon.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// ComputeStatus derives a certificate's status. It has no side effects.
//
// Missing files win over everything: a config that points at them is
// configured-but-missing, otherwise nothing was issued. With files present
// the validity window is checked before whether the config wires them, so an
// unwired certificate that is about to lapse still reports expiring-soon.
func ComputeStatus(rec *model.CertificateRecord, filesPresent, referenced bool, now time.Time) model.CertStatus {
	if !filesPresent || rec == nil {
		if referenced {
			return model.CertConfiguredButMissing
		}
		return model.CertNotIssued
	}
	if now.After(rec.ValidUntil) {
		return model.CertExpired
	}
	if rec.ValidUntil.Sub(now) < ExpiringSoonWindow {
		return model.CertExpiringSoon
	}
	if !referenced {
		return model.CertAvailableNotConfigured
	}
	return model.CertValid
}

// DaysRemaining is the whole number of days until expiry, negative once expired.
func DaysRemaining(rec *model.CertificateRecord, now time.Time) int {
	d := rec.ValidUntil.Sub(now)
	if d < 0 {
		return -int((-d).Hours() / 24)
	}
	return int(d.Hours() / 24)
}
