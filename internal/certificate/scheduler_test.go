package certificate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/nginx"
)

func TestScheduler_RenewsDueHosts(t *testing.T) {
	env := newTestEnv(t)
	due := env.addHost(t, "due", 3000)
	fresh := env.addHost(t, "fresh", 3001)
	bare := env.addHost(t, "bare", 3002)

	env.ca.validity = 10 * 24 * time.Hour
	old, err := env.manager.Issue(context.Background(), due, model.ChallengeCredential{})
	require.NoError(t, err)

	env.ca.validity = 90 * 24 * time.Hour
	_, err = env.manager.Issue(context.Background(), fresh, model.ChallengeCredential{})
	require.NoError(t, err)

	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{hosts: []*model.Host{due, fresh, bare}}, SchedulerConfig{
		Schedule:    "@every 12h",
		Concurrency: 2,
	})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Checked: 3, Due: 1, Renewed: 1}, report)

	renewed, err := env.store.Load("due.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, old.SerialNumber, renewed.SerialNumber)
	assert.True(t, renewed.ValidUntil.After(time.Now().Add(60*24*time.Hour)))
}

func TestScheduler_LeavesUnwiredCertificateAlone(t *testing.T) {
	env := newTestEnv(t)
	host := env.addHost(t, "app", 3000)

	env.ca.validity = 5 * 24 * time.Hour
	old, err := env.manager.Issue(context.Background(), host, model.ChallengeCredential{})
	require.NoError(t, err)

	// Host recreated: HTTP-only config, certificate files still on disk.
	httpOnly, err := nginx.Render(host, nil, env.renderOptions())
	require.NoError(t, err)
	require.True(t, env.pipeline.Apply(context.Background(), host.ConfigPath, httpOnly).OK)

	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{hosts: []*model.Host{host}}, SchedulerConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Checked: 1}, report)

	assert.Equal(t, httpOnly, readFile(t, host.ConfigPath))
	current, err := env.store.Load("app.example.com")
	require.NoError(t, err)
	assert.Equal(t, old.SerialNumber, current.SerialNumber)
}

func TestScheduler_RenewalFailureKeepsCertificate(t *testing.T) {
	env := newTestEnv(t)
	host := env.addHost(t, "due", 3000)

	env.ca.validity = 5 * 24 * time.Hour
	old, err := env.manager.Issue(context.Background(), host, model.ChallengeCredential{})
	require.NoError(t, err)

	env.ca.finalizeErr = errBoom
	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{hosts: []*model.Host{host}}, SchedulerConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	current, err := env.store.Load("due.example.com")
	require.NoError(t, err)
	assert.Equal(t, old.SerialNumber, current.SerialNumber)
}

func TestScheduler_SkipsBusyHost(t *testing.T) {
	env := newTestEnv(t)
	host := env.addHost(t, "due", 3000)

	env.ca.validity = 5 * 24 * time.Hour
	_, err := env.manager.Issue(context.Background(), host, model.ChallengeCredential{})
	require.NoError(t, err)

	unlock, ok := env.manager.TryLockHost(host.ServerName)
	require.True(t, ok)
	defer unlock()

	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{hosts: []*model.Host{host}}, SchedulerConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Checked: 1, Due: 1, Skipped: 1}, report)
}

func TestScheduler_ListError(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{err: errBoom}, SchedulerConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{}, SchedulerConfig{Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewScheduler(zerolog.Nop(), env.manager, staticHosts{}, SchedulerConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	s.Start()
	s.Stop()
}
