package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &ValidationError{Field: "port", Message: "out of range"}, KindValidation},
		{"wrapped validation", fmt.Errorf("create host: %w", &ValidationError{Message: "x"}), KindValidation},
		{"not found", &NotFoundError{Resource: "host", ID: "a.example.com"}, KindNotFound},
		{"conflict", &ConflictError{Resource: "host", ID: "a.example.com"}, KindConflict},
		{"syntax", &ConfigSyntaxError{ConfigPath: "/etc/nginx/a.conf"}, KindConfigSyntax},
		{"reload", &ReloadError{ConfigPath: "/etc/nginx/a.conf"}, KindReload},
		{"challenge", &ChallengeError{Domain: "a", Step: "finalize", Err: errors.New("boom")}, KindChallenge},
		{"propagation inside challenge", &ChallengeError{Domain: "a", Step: "prepare", Err: &DNSPropagationTimeoutError{FQDN: "_acme-challenge.a."}}, KindDNSPropagationTimeout},
		{"unreachable", &ChallengeUnreachableError{URL: "http://a/.well-known"}, KindChallengeUnreachable},
		{"plain", errors.New("disk full"), KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&DNSPropagationTimeoutError{FQDN: "x"}))
	assert.True(t, Retryable(&ChallengeUnreachableError{URL: "x"}))
	assert.False(t, Retryable(&ChallengeError{Err: errors.New("rejected")}))
	assert.False(t, Retryable(nil))
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "upstream_port", Message: "must be between 1 and 65535"}
	assert.Equal(t, "invalid upstream_port: must be between 1 and 65535", err.Error())

	err = &ValidationError{Message: "bad input"}
	assert.Equal(t, "validation failed: bad input", err.Error())
}

func TestChallengeCredential_Redacted(t *testing.T) {
	cred := ChallengeCredential{Email: "ops@example.com", DNSAPIToken: "cf-secret-token"}

	s := cred.String()
	assert.Contains(t, s, "ops@example.com")
	assert.Contains(t, s, "cf-***")
	assert.NotContains(t, s, "secret-token")
	assert.True(t, cred.HasDNS())
	assert.False(t, ChallengeCredential{Email: "x"}.HasDNS())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "***", Redact("abc"))
	assert.Equal(t, "abc***", Redact("abcdef"))
}

func TestCertStatus_NeedsRenewal(t *testing.T) {
	assert.True(t, CertExpiringSoon.NeedsRenewal())
	assert.True(t, CertExpired.NeedsRenewal())
	assert.False(t, CertValid.NeedsRenewal())
	assert.False(t, CertNotIssued.NeedsRenewal())
	assert.False(t, CertConfiguredButMissing.NeedsRenewal())
}

func TestNewErrorInfo(t *testing.T) {
	assert.Nil(t, NewErrorInfo(nil))

	info := NewErrorInfo(&ConfigSyntaxError{ConfigPath: "/etc/nginx/a.conf", Output: "unknown directive"})
	assert.Equal(t, KindConfigSyntax, info.Kind)
	assert.Equal(t, "proxy rejected the generated config", info.Message)
	assert.Equal(t, "unknown directive", info.Detail)

	info = NewErrorInfo(fmt.Errorf("wrap: %w", &NotFoundError{Resource: "host", ID: "x"}))
	assert.Equal(t, KindNotFound, info.Kind)
	assert.Equal(t, "wrap: host x not found", info.Message)
}
