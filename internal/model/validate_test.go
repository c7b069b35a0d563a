package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHost() *Host {
	return &Host{
		ID:           "app.example.com",
		Subdomain:    "app",
		ServerName:   "app.example.com",
		UpstreamPort: 3000,
	}
}

func TestHostValidate_OK(t *testing.T) {
	assert.NoError(t, validHost().Validate())
}

func TestHostValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(h *Host)
		field string
	}{
		{"port zero", func(h *Host) { h.UpstreamPort = 0 }, "upstream_port"},
		{"port too high", func(h *Host) { h.UpstreamPort = 70000 }, "upstream_port"},
		{"empty server name", func(h *Host) { h.ServerName = "" }, "server_name"},
		{"bad server name", func(h *Host) { h.ServerName = "not a host" }, "server_name"},
		{"uppercase subdomain", func(h *Host) { h.Subdomain = "App" }, "subdomain"},
		{"subdomain with dot", func(h *Host) { h.Subdomain = "a.b" }, "subdomain"},
		{"subdomain leading hyphen", func(h *Host) { h.Subdomain = "-app" }, "subdomain"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := validHost()
			tc.edit(h)

			err := h.Validate()
			require.Error(t, err)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.field, vErr.Field)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}
