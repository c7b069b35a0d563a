package platform

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ServerName builds the public hostname for a subdomain.
// Example: app.proxy.example.com
func ServerName(subdomain, baseDomain string) string {
	subdomain = strings.ToLower(strings.Trim(subdomain, "."))
	baseDomain = strings.ToLower(strings.Trim(baseDomain, "."))
	return fmt.Sprintf("%s.%s", subdomain, baseDomain)
}

// ConfigFileName is the nginx config file name for a server name.
func ConfigFileName(serverName string) string {
	return serverName + ".conf"
}

// ServerNameFromFile reverses ConfigFileName. ok is false for files that
// are not host configs.
func ServerNameFromFile(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".conf") || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, ".conf"), true
}

// WithinDir reports whether path resolves to a location inside dir.
func WithinDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
