package model

import (
	"errors"
	"fmt"
)

// Error kinds reported across the dashboard boundary.
const (
	KindValidation            = "validation"
	KindNotFound              = "not_found"
	KindConflict              = "conflict"
	KindConfigSyntax          = "config_syntax"
	KindReload                = "reload"
	KindChallenge             = "challenge"
	KindDNSPropagationTimeout = "dns_propagation_timeout"
	KindChallengeUnreachable  = "challenge_unreachable"
	KindInternal              = "internal"
)

// ValidationError reports bad input. It is raised before anything touches disk.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing host or certificate.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError reports an attempt to create something that already exists.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Resource, e.ID)
}

// ConfigSyntaxError is returned when the proxy validator rejected a config.
// The pipeline has already rolled the change back.
type ConfigSyntaxError struct {
	ConfigPath string
	Output     string
}

func (e *ConfigSyntaxError) Error() string {
	return fmt.Sprintf("proxy rejected config %s: %s", e.ConfigPath, e.Output)
}

// ReloadError is returned when the proxy could not be reloaded.
// It usually points at an unhealthy proxy process.
type ReloadError struct {
	ConfigPath string
	Detail     string
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("proxy reload failed after writing %s: %s", e.ConfigPath, e.Detail)
}

// ChallengeError is an ACME-side failure that aborted issuance.
type ChallengeError struct {
	Domain string
	Step   string
	Err    error
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("acme %s for %s: %v", e.Step, e.Domain, e.Err)
}

func (e *ChallengeError) Unwrap() error { return e.Err }

// DNSPropagationTimeoutError means the TXT record never became visible in time.
type DNSPropagationTimeoutError struct {
	FQDN string
	Err  error
}

func (e *DNSPropagationTimeoutError) Error() string {
	return fmt.Sprintf("dns record %s did not propagate: %v", e.FQDN, e.Err)
}

func (e *DNSPropagationTimeoutError) Unwrap() error { return e.Err }

// ChallengeUnreachableError means the webroot proof could not be fetched back over HTTP.
type ChallengeUnreachableError struct {
	URL string
	Err error
}

func (e *ChallengeUnreachableError) Error() string {
	return fmt.Sprintf("challenge proof %s unreachable: %v", e.URL, e.Err)
}

func (e *ChallengeUnreachableError) Unwrap() error { return e.Err }

// KindOf maps an error onto one of the Kind constants.
func KindOf(err error) string {
	var (
		validationErr  *ValidationError
		notFoundErr    *NotFoundError
		conflictErr    *ConflictError
		syntaxErr      *ConfigSyntaxError
		reloadErr      *ReloadError
		propagationErr *DNSPropagationTimeoutError
		unreachableErr *ChallengeUnreachableError
		challengeErr   *ChallengeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &conflictErr):
		return KindConflict
	case errors.As(err, &syntaxErr):
		return KindConfigSyntax
	case errors.As(err, &reloadErr):
		return KindReload
	// Checked before ChallengeError: a ChallengeError may wrap either of these.
	case errors.As(err, &propagationErr):
		return KindDNSPropagationTimeout
	case errors.As(err, &unreachableErr):
		return KindChallengeUnreachable
	case errors.As(err, &challengeErr):
		return KindChallenge
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may simply try again later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDNSPropagationTimeout, KindChallengeUnreachable:
		return true
	}
	return false
}
