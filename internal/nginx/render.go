package nginx

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/edvin/proxyhost/internal/model"
)

// TLSFiles points at the certificate chain and key a server block should use.
type TLSFiles struct {
	CertPath string
	KeyPath  string
}

// RenderOptions carries the values shared by every rendered host.
type RenderOptions struct {
	ACMEWebroot string
}

var serverTmpl = template.Must(template.New("server").Parse(`# Managed by proxyhost for {{ .ServerName }}. DO NOT EDIT MANUALLY.
{{- define "acme" }}
    location ^~ /.well-known/acme-challenge/ {
        root {{ .Webroot }};
        default_type "text/plain";
    }
{{- end }}
{{- define "proxy" }}
    location / {
        proxy_pass http://127.0.0.1:{{ .Port }};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_read_timeout 300s;
    }
{{- end }}
server {
    listen 80;
    listen [::]:80;
    server_name {{ .ServerName }};
{{ template "acme" . }}
{{ if .TLS }}
    location / {
        return 301 https://$host$request_uri;
    }
{{- else }}
{{- template "proxy" . }}
{{- end }}
}
{{- if .TLS }}

server {
    listen 443 ssl;
    listen [::]:443 ssl;
    server_name {{ .ServerName }};

    ssl_certificate     {{ .CertPath }};
    ssl_certificate_key {{ .KeyPath }};
    ssl_protocols       TLSv1.2 TLSv1.3;
    ssl_ciphers         HIGH:!aNULL:!MD5;
    ssl_prefer_server_ciphers on;
    ssl_session_cache   shared:SSL:10m;
    ssl_session_timeout 10m;
{{ template "proxy" . }}
}
{{- end }}
`))

type serverData struct {
	ServerName string
	Port       int
	Webroot    string
	TLS        bool
	CertPath   string
	KeyPath    string
}

// Render produces the nginx config for a host. cert may be nil for an
// HTTP-only config. The output depends only on the arguments.
func Render(host *model.Host, cert *TLSFiles, opts RenderOptions) (string, error) {
	if host == nil {
		return "", &model.ValidationError{Field: "host", Message: "is required"}
	}
	if err := host.Validate(); err != nil {
		return "", err
	}
	if err := checkDirectiveValue("acme_webroot", opts.ACMEWebroot); err != nil {
		return "", err
	}

	data := serverData{
		ServerName: host.ServerName,
		Port:       host.UpstreamPort,
		Webroot:    opts.ACMEWebroot,
	}
	if cert != nil {
		if err := checkDirectiveValue("cert_path", cert.CertPath); err != nil {
			return "", err
		}
		if err := checkDirectiveValue("key_path", cert.KeyPath); err != nil {
			return "", err
		}
		data.TLS = true
		data.CertPath = cert.CertPath
		data.KeyPath = cert.KeyPath
	}

	var buf bytes.Buffer
	if err := serverTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render config for %s: %w", host.ServerName, err)
	}
	return buf.String(), nil
}

// checkDirectiveValue rejects values that would break out of a single nginx directive argument.
func checkDirectiveValue(field, v string) error {
	if v == "" {
		return &model.ValidationError{Field: field, Message: "is required"}
	}
	if strings.ContainsAny(v, " \t\r\n;{}\"'") {
		return &model.ValidationError{Field: field, Message: fmt.Sprintf("%q contains characters not allowed in a config path", v)}
	}
	return nil
}

// CertificatePaths returns the ssl_certificate and ssl_certificate_key
// arguments found in a config, ignoring comments. Empty strings mean absent.
func CertificatePaths(configText string) (certPath, keyPath string) {
	sc := bufio.NewScanner(strings.NewReader(configText))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "ssl_certificate":
			if certPath == "" {
				certPath = fields[1]
			}
		case "ssl_certificate_key":
			if keyPath == "" {
				keyPath = fields[1]
			}
		}
	}
	return certPath, keyPath
}

// ReferencesCertificate reports whether a config wires exactly the given cert and key paths.
func ReferencesCertificate(configText, certPath, keyPath string) bool {
	if certPath == "" || keyPath == "" {
		return false
	}
	gotCert, gotKey := CertificatePaths(configText)
	return gotCert == certPath && gotKey == keyPath
}

// ReferencesAnyCertificate reports whether a config carries TLS directives at all.
func ReferencesAnyCertificate(configText string) bool {
	certPath, keyPath := CertificatePaths(configText)
	return certPath != "" && keyPath != ""
}
