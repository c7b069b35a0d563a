package hostctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edvin/proxyhost/internal/platform"
)

const (
	configDirName = "proxyhost"
	profilesDir   = "profiles"
	stateFile     = "state.yaml"
)

var profileName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Profile is a saved API endpoint and token.
type Profile struct {
	Name   string `yaml:"name"`
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key,omitempty"`
}

type state struct {
	ActiveProfile string `yaml:"active_profile"`
}

// ConfigDir returns $XDG_CONFIG_HOME/proxyhost, falling back to ~/.config/proxyhost.
func ConfigDir() (string, error) {
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		xdgConfig = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfig, configDirName), nil
}

func profilePath(name string) (string, error) {
	if !profileName.MatchString(name) {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, profilesDir, name+".yaml"), nil
}

// SaveProfile stores a profile, replacing one with the same name.
func SaveProfile(p Profile) error {
	path, err := profilePath(p.Name)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	// Profiles may hold a token.
	return platform.WriteFileAtomic(path, data, 0o600)
}

func LoadProfile(name string) (*Profile, error) {
	path, err := profilePath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile %q not found: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	return &p, nil
}

// ListProfiles returns all saved profiles sorted by name.
func ListProfiles() ([]Profile, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, profilesDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles directory: %w", err)
	}

	var profiles []Profile
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok || e.IsDir() {
			continue
		}
		p, err := LoadProfile(name)
		if err != nil {
			continue
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

// DeleteProfile removes a profile and clears it if it was active.
func DeleteProfile(name string) error {
	path, err := profilePath(name)
	if err != nil {
		return err
	}
	if err := platform.RemoveIfExists(path); err != nil {
		return err
	}
	st, err := loadState()
	if err == nil && st.ActiveProfile == name {
		return saveState(state{})
	}
	return nil
}

// SetActive makes name the profile used when none is given.
func SetActive(name string) error {
	if _, err := LoadProfile(name); err != nil {
		return err
	}
	return saveState(state{ActiveProfile: name})
}

// ActiveProfile returns the active profile, or nil when none is set.
func ActiveProfile() (*Profile, error) {
	st, err := loadState()
	if err != nil || st.ActiveProfile == "" {
		return nil, err
	}
	return LoadProfile(st.ActiveProfile)
}

// ResolveClient builds a client from, in order of precedence: explicit
// apiURL/apiKey, the named profile, the active profile, the defaults.
func ResolveClient(profile, apiURL, apiKey string) (*Client, error) {
	var p *Profile
	var err error
	if profile != "" {
		p, err = LoadProfile(profile)
	} else {
		p, err = ActiveProfile()
	}
	if err != nil {
		return nil, err
	}
	if p != nil {
		if apiURL == "" {
			apiURL = p.APIURL
		}
		if apiKey == "" {
			apiKey = p.APIKey
		}
	}
	if apiURL == "" {
		apiURL = "http://localhost:8090"
	}
	return NewClient(strings.TrimSuffix(apiURL, "/"), apiKey), nil
}

func loadState() (state, error) {
	dir, err := ConfigDir()
	if err != nil {
		return state{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return state{}, nil
	}
	if err != nil {
		return state{}, err
	}
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return state{}, fmt.Errorf("parse %s: %w", stateFile, err)
	}
	return st, nil
}

func saveState(st state) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return platform.WriteFileAtomic(filepath.Join(dir, stateFile), data, 0o600)
}
