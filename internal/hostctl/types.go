package hostctl

import "time"

// Result mirrors the document every API operation answers with.
type Result struct {
	Outcome     string           `json:"outcome"`
	Host        *Host            `json:"host,omitempty"`
	Hosts       []*Host          `json:"hosts,omitempty"`
	Certificate *CertificateView `json:"certificate,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	Job         *Job             `json:"job,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Error       *ErrorInfo       `json:"error,omitempty"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Host struct {
	ID           string    `json:"id"`
	Subdomain    string    `json:"subdomain"`
	ServerName   string    `json:"server_name"`
	UpstreamPort int       `json:"upstream_port"`
	ConfigPath   string    `json:"config_path"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
}

type CertificateView struct {
	HostID        string             `json:"host_id"`
	Status        string             `json:"status"`
	Phase         string             `json:"phase,omitempty"`
	PhaseMessage  string             `json:"phase_message,omitempty"`
	Configured    bool               `json:"configured"`
	FilesPresent  bool               `json:"files_present"`
	Record        *CertificateRecord `json:"record,omitempty"`
	DaysRemaining *int               `json:"days_remaining,omitempty"`
}

type CertificateRecord struct {
	Domains    []string  `json:"domains"`
	Issuer     string    `json:"issuer,omitempty"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	HostID     string     `json:"host_id"`
	State      string     `json:"state"`
	Error      *ErrorInfo `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == "succeeded" || j.State == "failed"
}

// IssueRequest is the optional body of a certificate request.
type IssueRequest struct {
	Email        string `json:"email,omitempty"`
	DNSAPIToken  string `json:"dns_api_token,omitempty"`
	DNSZoneToken string `json:"dns_zone_token,omitempty"`
}
