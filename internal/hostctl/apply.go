package hostctl

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HostsFile is the declarative host list consumed by `hostctl apply`.
type HostsFile struct {
	APIURL string     `yaml:"api_url"`
	APIKey string     `yaml:"api_key"`
	Hosts  []HostSpec `yaml:"hosts"`
}

type HostSpec struct {
	Subdomain   string `yaml:"subdomain"`
	Port        int    `yaml:"port"`
	Certificate bool   `yaml:"certificate"`
	Email       string `yaml:"email"`
}

// LoadHostsFile parses a hosts definition.
func LoadHostsFile(path string) (*HostsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	var f HostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file: %w", err)
	}
	for i, h := range f.Hosts {
		if h.Subdomain == "" {
			return nil, fmt.Errorf("hosts[%d]: subdomain is required", i)
		}
		if h.Port < 1 || h.Port > 65535 {
			return nil, fmt.Errorf("hosts[%d] (%s): port %d out of range", i, h.Subdomain, h.Port)
		}
	}
	return &f, nil
}

// ApplyFile loads path and applies it. api_url and api_key in the file fill
// in whatever the caller left empty; profile selection follows ResolveClient.
func ApplyFile(path, profile, apiURL, apiKey string, timeout time.Duration) error {
	f, err := LoadHostsFile(path)
	if err != nil {
		return err
	}
	if apiURL == "" {
		apiURL = f.APIURL
	}
	if apiKey == "" {
		apiKey = f.APIKey
	}
	client, err := ResolveClient(profile, apiURL, apiKey)
	if err != nil {
		return err
	}
	return client.Apply(f, timeout)
}

// Apply creates missing hosts, corrects upstream ports, and requests
// certificates for hosts that ask for one and do not have a valid one yet.
// Hosts on the server that are not listed are left alone.
func (c *Client) Apply(f *HostsFile, timeout time.Duration) error {
	existing, err := c.ListHosts()
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	bySubdomain := make(map[string]*Host, len(existing))
	for _, h := range existing {
		bySubdomain[h.Subdomain] = h
	}

	for _, spec := range f.Hosts {
		id, err := c.applyHost(spec, bySubdomain[spec.Subdomain], timeout)
		if err != nil {
			return fmt.Errorf("host %s: %w", spec.Subdomain, err)
		}
		if spec.Certificate {
			if err := c.ensureCertificate(id, spec, timeout); err != nil {
				return fmt.Errorf("host %s: certificate: %w", spec.Subdomain, err)
			}
		}
	}
	return nil
}

func (c *Client) applyHost(spec HostSpec, current *Host, timeout time.Duration) (string, error) {
	if current == nil {
		res, err := c.CreateHost(spec.Subdomain, spec.Port)
		if err != nil {
			return "", err
		}
		printWarnings(res)
		fmt.Printf("Created %s -> 127.0.0.1:%d (%s)\n", res.Host.ServerName, spec.Port, res.Outcome)
		if res.JobID != "" {
			if _, err := c.WaitJob(res.JobID, c.PollInterval, timeout); err != nil {
				fmt.Printf("  certificate: %v\n", err)
			}
		}
		return res.Host.ID, nil
	}

	if current.UpstreamPort == spec.Port {
		fmt.Printf("Unchanged %s\n", current.ServerName)
		return current.ID, nil
	}
	res, err := c.UpdateHost(current.ID, spec.Port)
	if err != nil {
		return "", err
	}
	printWarnings(res)
	fmt.Printf("Updated %s port %d -> %d\n", current.ServerName, current.UpstreamPort, spec.Port)
	return current.ID, nil
}

func (c *Client) ensureCertificate(id string, spec HostSpec, timeout time.Duration) error {
	status, err := c.CertificateStatus(id)
	if err != nil {
		return err
	}
	if status.Certificate != nil && status.Certificate.Status == "valid" {
		return nil
	}

	res, err := c.IssueCertificate(id, IssueRequest{Email: spec.Email})
	if err != nil {
		return err
	}
	if res.JobID != "" && res.Outcome == "in_progress" {
		if _, err := c.WaitJob(res.JobID, c.PollInterval, timeout); err != nil {
			return err
		}
	}
	fmt.Printf("Certificate issued for %s\n", id)
	return nil
}

func printWarnings(res *Result) {
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
