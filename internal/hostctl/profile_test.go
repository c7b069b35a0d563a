package hostctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiles(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	require.NoError(t, SaveProfile(Profile{Name: "prod", APIURL: "https://proxy.example.com", APIKey: "s3cret"}))
	require.NoError(t, SaveProfile(Profile{Name: "dev", APIURL: "http://localhost:8090"}))

	profiles, err := ListProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "dev", profiles[0].Name)
	assert.Equal(t, "prod", profiles[1].Name)

	active, err := ActiveProfile()
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, SetActive("prod"))
	active, err = ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", active.APIKey)

	require.NoError(t, DeleteProfile("prod"))
	active, err = ActiveProfile()
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSaveProfile_RejectsPathNames(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	err := SaveProfile(Profile{Name: "../evil", APIURL: "http://x"})
	assert.Error(t, err)
}

func TestSetActive_Unknown(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	assert.Error(t, SetActive("missing"))
}

func TestResolveClient(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	c, err := ResolveClient("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", c.BaseURL)

	require.NoError(t, SaveProfile(Profile{Name: "prod", APIURL: "https://proxy.example.com/", APIKey: "s3cret"}))
	require.NoError(t, SetActive("prod"))

	c, err = ResolveClient("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.example.com", c.BaseURL)
	assert.Equal(t, "s3cret", c.APIKey)

	c, err = ResolveClient("", "http://override:1", "other")
	require.NoError(t, err)
	assert.Equal(t, "http://override:1", c.BaseURL)
	assert.Equal(t, "other", c.APIKey)
}
