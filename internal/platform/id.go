package platform

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID returns a time-ordered job identifier, so job IDs sort by submission.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StagingName is the hidden directory name used while a new bundle for
// serverName is written next to the live one.
func StagingName(serverName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "." + serverName + ".staging-" + suffix
}

// IsStagingName reports whether name was produced by StagingName.
func IsStagingName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".staging-")
}
