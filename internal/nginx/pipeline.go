package nginx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/platform"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonReloadFailed     = "reload_failed"
	ReasonWriteFailed      = "write_failed"
	ReasonRestoreFailed    = "restore_failed"
	ReasonInvalidPath      = "invalid_path"
)

// Result is the outcome of one Apply. Detail carries validator or reload output.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Err converts a failed Result into the matching typed error. It returns nil for OK.
func (r Result) Err(configPath string) error {
	switch {
	case r.OK:
		return nil
	case r.Reason == ReasonValidationFailed:
		return &model.ConfigSyntaxError{ConfigPath: configPath, Output: r.Detail}
	case r.Reason == ReasonReloadFailed || r.Reason == ReasonRestoreFailed:
		return &model.ReloadError{ConfigPath: configPath, Detail: r.Detail}
	case r.Reason == ReasonInvalidPath:
		return &model.ValidationError{Field: "config_path", Message: r.Detail}
	default:
		return fmt.Errorf("apply %s: %s: %s", configPath, r.Reason, r.Detail)
	}
}

// Pipeline is the only writer of proxy config files. Every Apply snapshots
// the current file, writes the new content, validates and reloads, and
// rolls back to the snapshot on any failure. Applies are serialized.
type Pipeline struct {
	mu          sync.Mutex
	logger      zerolog.Logger
	proxy       Proxy
	configDir   string
	revisionDir string
	now         func() time.Time
}

// NewPipeline creates a Pipeline writing under configDir and keeping revisions in revisionDir.
func NewPipeline(logger zerolog.Logger, proxy Proxy, configDir, revisionDir string) *Pipeline {
	return &Pipeline{
		logger:      logger.With().Str("component", "config-pipeline").Logger(),
		proxy:       proxy,
		configDir:   configDir,
		revisionDir: revisionDir,
		now:         time.Now,
	}
}

// ConfigDir is the directory the pipeline is allowed to write to.
func (p *Pipeline) ConfigDir() string {
	return p.configDir
}

// Apply replaces the file at configPath with newText. Empty newText removes the file.
// On return nginx serves either the new content or exactly the previous content.
func (p *Pipeline) Apply(ctx context.Context, configPath, newText string) Result {
	start := time.Now()
	res := p.apply(ctx, configPath, newText)
	applyDuration.Observe(time.Since(start).Seconds())

	label := "ok"
	if !res.OK {
		label = res.Reason
	}
	applyTotal.WithLabelValues(label).Inc()
	return res
}

func (p *Pipeline) apply(ctx context.Context, configPath, newText string) Result {
	logger := p.logger.With().Str("config_path", configPath).Logger()

	if !platform.WithinDir(p.configDir, configPath) {
		logger.Warn().Msg("refusing to write outside the proxy config directory")
		return Result{Reason: ReasonInvalidPath, Detail: fmt.Sprintf("%s is outside %s", configPath, p.configDir)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rev, err := p.snapshot(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to snapshot current config")
		return Result{Reason: ReasonWriteFailed, Detail: err.Error()}
	}

	if err := p.write(configPath, []byte(newText)); err != nil {
		// The atomic write leaves the old file untouched on failure.
		logger.Error().Err(err).Msg("failed to write config")
		p.dropRevision(logger, rev)
		return Result{Reason: ReasonWriteFailed, Detail: err.Error()}
	}

	// Rollback must finish even if the caller gave up.
	rollbackCtx := context.WithoutCancel(ctx)

	out, err := p.proxy.Validate(ctx)
	if err != nil {
		detail := out
		if detail == "" {
			detail = err.Error()
		}
		logger.Warn().Str("output", out).Err(err).Msg("config rejected by validator, rolling back")
		if restoreErr := p.restore(rev); restoreErr != nil {
			logger.Error().Err(restoreErr).Str("revision", rev.Path).Msg("failed to restore previous config, revision kept")
			return Result{Reason: ReasonRestoreFailed, Detail: fmt.Sprintf("%s; restore: %v", detail, restoreErr)}
		}
		p.dropRevision(logger, rev)
		return Result{Reason: ReasonValidationFailed, Detail: detail}
	}

	if err := p.proxy.Reload(ctx); err != nil {
		logger.Error().Err(err).Msg("reload failed, rolling back")
		if restoreErr := p.restore(rev); restoreErr != nil {
			logger.Error().Err(restoreErr).Str("revision", rev.Path).Msg("failed to restore previous config, revision kept")
			return Result{Reason: ReasonRestoreFailed, Detail: fmt.Sprintf("%v; restore: %v", err, restoreErr)}
		}
		if out, vErr := p.proxy.Validate(rollbackCtx); vErr != nil {
			logger.Error().Err(vErr).Str("output", out).Str("revision", rev.Path).Msg("restored config no longer validates, revision kept")
			return Result{Reason: ReasonRestoreFailed, Detail: fmt.Sprintf("%v; restored config invalid: %s", err, out)}
		}
		if rErr := p.proxy.Reload(rollbackCtx); rErr != nil {
			logger.Error().Err(rErr).Str("revision", rev.Path).Msg("reload of restored config failed, revision kept")
			return Result{Reason: ReasonRestoreFailed, Detail: fmt.Sprintf("%v; reload of restored config: %v", err, rErr)}
		}
		p.dropRevision(logger, rev)
		return Result{Reason: ReasonReloadFailed, Detail: err.Error()}
	}

	p.dropRevision(logger, rev)
	logger.Info().Bool("removed", newText == "").Msg("config applied")
	return Result{OK: true}
}

// WithLock runs fn while no Apply is in progress. Files that configs reference
// are swapped under it so validation never sees them half replaced.
func (p *Pipeline) WithLock(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// Read returns the current content of a managed config. A missing file is empty content.
func (p *Pipeline) Read(configPath string) (string, bool, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Recover restores any revisions left behind by an interrupted apply and
// reloads the proxy once. It runs before the pipeline accepts work.
func (p *Pipeline) Recover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := os.ReadDir(p.revisionDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list revisions: %w", err)
	}

	restored := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".rev" {
			continue
		}
		rev, err := p.loadRevision(filepath.Join(p.revisionDir, e.Name()))
		if err != nil {
			p.logger.Error().Err(err).Str("revision", e.Name()).Msg("unreadable revision left in place")
			continue
		}
		if !platform.WithinDir(p.configDir, rev.ConfigPath) {
			p.logger.Error().Str("revision", e.Name()).Str("config_path", rev.ConfigPath).Msg("revision points outside config dir, ignoring")
			continue
		}
		if err := p.restore(rev); err != nil {
			p.logger.Error().Err(err).Str("config_path", rev.ConfigPath).Msg("failed to restore revision")
			continue
		}
		p.dropRevision(p.logger, rev)
		p.logger.Warn().Str("config_path", rev.ConfigPath).Time("taken_at", rev.TakenAt).Msg("restored config from interrupted apply")
		restored++
	}

	if restored == 0 {
		return nil
	}
	if out, err := p.proxy.Validate(ctx); err != nil {
		return fmt.Errorf("validate after recovery: %w: %s", err, out)
	}
	if err := p.proxy.Reload(ctx); err != nil {
		return fmt.Errorf("reload after recovery: %w", err)
	}
	return nil
}

func (p *Pipeline) revisionPath(configPath string) string {
	return filepath.Join(p.revisionDir, filepath.Base(configPath)+".rev")
}

// snapshot stores the current content of configPath as the host's single live revision.
func (p *Pipeline) snapshot(configPath string) (*model.ConfigRevision, error) {
	rev := &model.ConfigRevision{
		ConfigPath: configPath,
		Path:       p.revisionPath(configPath),
		TakenAt:    p.now().UTC(),
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		rev.Existed = true
		rev.Content = string(data)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", configPath, err)
	}

	if _, err := os.Stat(rev.Path); err == nil {
		p.logger.Warn().Str("revision", rev.Path).Msg("overwriting revision retained from an earlier failed restore")
	}

	out, err := yaml.Marshal(rev)
	if err != nil {
		return nil, fmt.Errorf("encode revision: %w", err)
	}
	if err := platform.WriteFileAtomic(rev.Path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write revision: %w", err)
	}
	return rev, nil
}

func (p *Pipeline) loadRevision(path string) (*model.ConfigRevision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rev model.ConfigRevision
	if err := yaml.Unmarshal(data, &rev); err != nil {
		return nil, fmt.Errorf("decode revision %s: %w", path, err)
	}
	rev.Path = path
	return &rev, nil
}

func (p *Pipeline) write(configPath string, content []byte) error {
	if len(content) == 0 {
		return platform.RemoveIfExists(configPath)
	}
	return platform.WriteFileAtomic(configPath, content, 0o644)
}

func (p *Pipeline) restore(rev *model.ConfigRevision) error {
	if !rev.Existed {
		return platform.RemoveIfExists(rev.ConfigPath)
	}
	return platform.WriteFileAtomic(rev.ConfigPath, []byte(rev.Content), 0o644)
}

func (p *Pipeline) dropRevision(logger zerolog.Logger, rev *model.ConfigRevision) {
	if err := platform.RemoveIfExists(rev.Path); err != nil {
		logger.Warn().Err(err).Str("revision", rev.Path).Msg("failed to delete revision")
	}
}
