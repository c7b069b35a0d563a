package nginx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const DefaultCommandTimeout = 30 * time.Second

// Proxy is the reverse proxy the pipeline drives.
type Proxy interface {
	// Validate checks the whole configuration tree and returns the validator output.
	Validate(ctx context.Context) (string, error)
	// Reload gracefully applies the configuration currently on disk.
	Reload(ctx context.Context) error
}

// ControllerConfig holds the shell commands used to drive nginx.
type ControllerConfig struct {
	ValidateCmd string
	ReloadCmd   string
	PIDFile     string
	Timeout     time.Duration
}

// Controller runs nginx through shell commands.
type Controller struct {
	logger      zerolog.Logger
	validateCmd string
	reloadCmd   string
	pidFile     string
	timeout     time.Duration
}

// NewController creates a Controller. Empty commands fall back to the stock nginx invocations.
func NewController(logger zerolog.Logger, cfg ControllerConfig) *Controller {
	if cfg.ValidateCmd == "" {
		cfg.ValidateCmd = "nginx -t"
	}
	if cfg.ReloadCmd == "" {
		cfg.ReloadCmd = "nginx -s reload"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	return &Controller{
		logger:      logger.With().Str("component", "nginx-controller").Logger(),
		validateCmd: cfg.ValidateCmd,
		reloadCmd:   cfg.ReloadCmd,
		pidFile:     cfg.PIDFile,
		timeout:     cfg.Timeout,
	}
}

func (c *Controller) Validate(ctx context.Context) (string, error) {
	out, err := c.runCommand(ctx, c.validateCmd)
	if err != nil {
		c.logger.Debug().Str("output", out).Msg("nginx config test failed")
	}
	return out, err
}

func (c *Controller) Reload(ctx context.Context) error {
	if err := c.Healthy(); err != nil {
		return err
	}
	out, err := c.runCommand(ctx, c.reloadCmd)
	if err != nil {
		if out != "" {
			return fmt.Errorf("%w: %s", err, out)
		}
		return err
	}
	return nil
}

// Healthy reports whether the nginx master process named in the pid file is running.
// Without a configured pid file it always succeeds.
func (c *Controller) Healthy() error {
	if c.pidFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.pidFile)
	if err != nil {
		return fmt.Errorf("nginx not running: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("nginx not running: invalid pid file %s", c.pidFile)
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("nginx not running: pid %d: %w", pid, err)
	}
	return nil
}

func (c *Controller) runCommand(ctx context.Context, command string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	outputStr := strings.TrimSpace(string(output))

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return outputStr, fmt.Errorf("%q timed out after %s", command, c.timeout)
		}
		return outputStr, fmt.Errorf("%q failed: %w", command, err)
	}
	return outputStr, nil
}
