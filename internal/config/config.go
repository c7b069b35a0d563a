package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	ServiceName    string `env:"SERVICE_NAME" envDefault:"proxyhost"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8090"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9100"`

	// APIToken, when set, is required as a bearer token on every API call.
	APIToken       string `env:"API_TOKEN"`
	APITLSCert     string `env:"API_TLS_CERT"`
	APITLSKey      string `env:"API_TLS_KEY"`
	APITLSClientCA string `env:"API_TLS_CLIENT_CA"`

	BaseDomain  string `env:"BASE_DOMAIN"`
	CNAMETarget string `env:"DNS_CNAME_TARGET"`

	NginxConfigDir      string        `env:"NGINX_CONFIG_DIR" envDefault:"/etc/nginx/conf.d"`
	NginxValidateCmd    string        `env:"NGINX_VALIDATE_CMD" envDefault:"nginx -t"`
	NginxReloadCmd      string        `env:"NGINX_RELOAD_CMD" envDefault:"nginx -s reload"`
	NginxPIDFile        string        `env:"NGINX_PID_FILE" envDefault:"/run/nginx.pid"`
	NginxCommandTimeout time.Duration `env:"NGINX_COMMAND_TIMEOUT" envDefault:"30s"`

	CertDir     string `env:"CERT_DIR" envDefault:"/etc/proxyhost/certs"`
	StateDir    string `env:"STATE_DIR" envDefault:"/var/lib/proxyhost"`
	ACMEWebroot string `env:"ACME_WEBROOT" envDefault:"/var/www/acme"`

	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	ACMEEmail        string `env:"ACME_EMAIL"`
	AutoIssue        bool   `env:"AUTO_ISSUE" envDefault:"true"`

	// Service-level DNS credentials used for automatic issuance and renewals.
	DNSAPIToken           string        `env:"DNS_API_TOKEN"`
	DNSZoneToken          string        `env:"DNS_ZONE_TOKEN"`
	DNSResolvers          []string      `env:"DNS_RESOLVERS" envSeparator:"," envDefault:"1.1.1.1:53,8.8.8.8:53"`
	DNSPropagationTimeout time.Duration `env:"DNS_PROPAGATION_TIMEOUT" envDefault:"2m"`
	DNSPollInterval       time.Duration `env:"DNS_POLL_INTERVAL" envDefault:"5s"`
	HTTPChallengeAttempts uint          `env:"HTTP_CHALLENGE_ATTEMPTS" envDefault:"5"`

	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	IssuanceTimeout    time.Duration `env:"ISSUANCE_TIMEOUT" envDefault:"5m"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	RenewalSchedule    string        `env:"RENEWAL_SCHEDULE" envDefault:"@every 12h"`
	RenewalConcurrency int           `env:"RENEWAL_CONCURRENCY" envDefault:"2"`

	PowerDNSDatabaseURL string `env:"POWERDNS_DATABASE_URL"`

	ArchiveS3Endpoint  string `env:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3Region    string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Bucket    string `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3AccessKey string `env:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveS3SecretKey string `env:"ARCHIVE_S3_SECRET_KEY"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and cross-field rules hold.
func (c *Config) Validate() error {
	var missing []string
	if c.BaseDomain == "" {
		missing = append(missing, "BASE_DOMAIN")
	}
	if c.HTTPListenAddr == "" {
		missing = append(missing, "HTTP_LISTEN_ADDR")
	}
	if c.NginxConfigDir == "" {
		missing = append(missing, "NGINX_CONFIG_DIR")
	}
	if c.CertDir == "" {
		missing = append(missing, "CERT_DIR")
	}
	if c.StateDir == "" {
		missing = append(missing, "STATE_DIR")
	}
	if c.ACMEWebroot == "" {
		missing = append(missing, "ACME_WEBROOT")
	}
	if c.ACMEDirectoryURL == "" {
		missing = append(missing, "ACME_DIRECTORY_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	var errs []error
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: must be json or console", c.LogFormat))
	}
	if (c.APITLSCert == "") != (c.APITLSKey == "") {
		errs = append(errs, errors.New("API_TLS_CERT and API_TLS_KEY must both be set"))
	}
	if c.APITLSClientCA != "" && c.APITLSCert == "" {
		errs = append(errs, errors.New("API_TLS_CLIENT_CA requires API_TLS_CERT"))
	}
	if c.DNSZoneToken != "" && c.DNSAPIToken == "" {
		errs = append(errs, errors.New("DNS_ZONE_TOKEN requires DNS_API_TOKEN"))
	}
	if c.DNSAPIToken != "" && len(c.DNSResolvers) == 0 {
		errs = append(errs, errors.New("DNS_RESOLVERS must not be empty when DNS_API_TOKEN is set"))
	}
	if c.RenewalConcurrency < 1 {
		errs = append(errs, errors.New("RENEWAL_CONCURRENCY must be at least 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.RequestTimeout <= 0 || c.IssuanceTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT and ISSUANCE_TIMEOUT must be positive"))
	}
	if _, err := cron.ParseStandard(c.RenewalSchedule); err != nil {
		errs = append(errs, fmt.Errorf("RENEWAL_SCHEDULE %q: %w", c.RenewalSchedule, err))
	}
	if c.ArchiveS3Bucket != "" && c.ArchiveS3Endpoint == "" {
		errs = append(errs, errors.New("ARCHIVE_S3_BUCKET requires ARCHIVE_S3_ENDPOINT"))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether issued bundles are copied to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}
