package model

import "time"

// Host is a managed reverse-proxy mapping from a server name to a local port.
type Host struct {
	ID           string    `json:"id" yaml:"id"`
	Subdomain    string    `json:"subdomain" yaml:"subdomain" validate:"required,subdomain"`
	ServerName   string    `json:"server_name" yaml:"server_name" validate:"required,fqdn"`
	UpstreamPort int       `json:"upstream_port" yaml:"upstream_port" validate:"min=1,max=65535"`
	ConfigPath   string    `json:"config_path" yaml:"config_path"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	ModifiedAt   time.Time `json:"modified_at" yaml:"modified_at"`
}
