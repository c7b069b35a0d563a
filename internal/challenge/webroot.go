package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/platform"
)

const challengePathPrefix = "/.well-known/acme-challenge/"

// ACME tokens are base64url without padding.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HTTPOption customizes an HTTPWebroot.
type HTTPOption func(*HTTPWebroot)

// WithRetry sets the self-check attempt count and initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) HTTPOption {
	return func(h *HTTPWebroot) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if delay > 0 {
			h.delay = delay
		}
	}
}

// WithProbeBaseURL sends self-check requests to baseURL instead of http://<domain>.
// The Host header still carries the domain.
func WithProbeBaseURL(baseURL string) HTTPOption {
	return func(h *HTTPWebroot) { h.probeBase = strings.TrimSuffix(baseURL, "/") }
}

// WithHTTPClient replaces the client used for self-checks.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPWebroot) { h.client = c }
}

// WithoutSelfCheck skips fetching the proof back after writing it.
func WithoutSelfCheck() HTTPOption {
	return func(h *HTTPWebroot) { h.selfCheck = false }
}

// HTTPWebroot serves HTTP-01 proofs from the shared ACME webroot that every
// rendered host exposes under /.well-known/acme-challenge/.
type HTTPWebroot struct {
	logger    zerolog.Logger
	webroot   string
	client    *http.Client
	attempts  uint
	delay     time.Duration
	probeBase string
	selfCheck bool
}

// NewHTTPWebroot creates an HTTP-01 provider writing under webroot.
func NewHTTPWebroot(logger zerolog.Logger, webroot string, opts ...HTTPOption) *HTTPWebroot {
	h := &HTTPWebroot{
		logger:    logger.With().Str("component", "http01-webroot").Logger(),
		webroot:   webroot,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  5,
		delay:     time.Second,
		selfCheck: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPWebroot) Type() Kind { return KindHTTP01 }

// TokenPath is where the proof for token lives on disk.
func (h *HTTPWebroot) TokenPath(token string) string {
	return filepath.Join(h.webroot, ".well-known", "acme-challenge", token)
}

func (h *HTTPWebroot) Prepare(ctx context.Context, ch Challenge) error {
	if !tokenPattern.MatchString(ch.Token) {
		return fmt.Errorf("invalid challenge token %q", ch.Token)
	}

	path := h.TokenPath(ch.Token)
	if err := platform.WriteFileAtomic(path, []byte(ch.KeyAuth), 0o644); err != nil {
		return fmt.Errorf("write challenge file: %w", err)
	}
	h.logger.Debug().Str("domain", ch.Domain).Str("path", path).Msg("challenge file written")

	if !h.selfCheck {
		return nil
	}
	return h.verify(ctx, ch)
}

// verify fetches the proof over plain HTTP the same way the CA will.
func (h *HTTPWebroot) verify(ctx context.Context, ch Challenge) error {
	url := h.probeURL(ch)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Host = ch.Domain

			resp, err := h.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err != nil {
				return err
			}
			if strings.TrimSpace(string(body)) != ch.KeyAuth {
				return fmt.Errorf("served content does not match key authorization")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Debug().Uint("attempt", n+1).Err(err).Str("url", url).Msg("challenge self-check failed, retrying")
		}),
	)
	if err != nil {
		return &model.ChallengeUnreachableError{URL: url, Err: err}
	}
	return nil
}

func (h *HTTPWebroot) probeURL(ch Challenge) string {
	base := h.probeBase
	if base == "" {
		base = "http://" + ch.Domain
	}
	return base + challengePathPrefix + ch.Token
}

// Cleanup removes the proof file. The challenge directory is shared by every
// host and stays in place for concurrent orders.
func (h *HTTPWebroot) Cleanup(ctx context.Context, ch Challenge) error {
	if !tokenPattern.MatchString(ch.Token) {
		return nil
	}
	path := h.TokenPath(ch.Token)
	if err := platform.RemoveIfExists(path); err != nil {
		return fmt.Errorf("remove challenge file: %w", err)
	}
	return nil
}
