package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/provision"
)

// mockProvisioner implements Provisioner for testing.
type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) CreateHost(ctx context.Context, subdomain string, port int) provision.Result {
	return m.Called(subdomain, port).Get(0).(provision.Result)
}

func (m *mockProvisioner) UpdateHost(ctx context.Context, id string, port int) provision.Result {
	return m.Called(id, port).Get(0).(provision.Result)
}

func (m *mockProvisioner) DeleteHost(ctx context.Context, id string) provision.Result {
	return m.Called(id).Get(0).(provision.Result)
}

func (m *mockProvisioner) GetHost(ctx context.Context, id string) provision.Result {
	return m.Called(id).Get(0).(provision.Result)
}

func (m *mockProvisioner) ListHosts(ctx context.Context) provision.Result {
	return m.Called().Get(0).(provision.Result)
}

func (m *mockProvisioner) GetCertificateStatus(ctx context.Context, id string) provision.Result {
	return m.Called(id).Get(0).(provision.Result)
}

func (m *mockProvisioner) IssueCertificate(ctx context.Context, id string, cred model.ChallengeCredential) provision.Result {
	return m.Called(id, cred).Get(0).(provision.Result)
}

func (m *mockProvisioner) RenewCertificate(ctx context.Context, id string) provision.Result {
	return m.Called(id).Get(0).(provision.Result)
}

func (m *mockProvisioner) GetJob(ctx context.Context, id string) provision.Result {
	return m.Called(id).Get(0).(provision.Result)
}
