package model

import "time"

// ConfigRevision is the snapshot of a host config taken before a mutation.
// Existed is false when the mutation creates the file.
type ConfigRevision struct {
	ConfigPath string    `yaml:"config_path"`
	Path       string    `yaml:"-"`
	Existed    bool      `yaml:"existed"`
	Content    string    `yaml:"content"`
	TakenAt    time.Time `yaml:"taken_at"`
}
