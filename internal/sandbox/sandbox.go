// Package sandbox runs untrusted commands in short-lived docker containers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"time"

	"go.uber.org/zap"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

const (
	defaultMemoryMB       = 256
	defaultCPUs           = 0.5
	defaultNetwork        = "none"
	defaultContainerRoot  = "/code"
	defaultTimeout        = 15 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultDockerBinary   = "docker"
)

// Limits are the resource constraints applied to every container.
type Limits struct {
	MemoryMB int
	CPUs     float64
	Network  string
	WorkDir  string
}

// DefaultLimits returns the standard execution constraints.
func DefaultLimits() Limits {
	return Limits{
		MemoryMB: defaultMemoryMB,
		CPUs:     defaultCPUs,
		Network:  defaultNetwork,
		WorkDir:  defaultContainerRoot,
	}
}

// Config holds driver settings.
type Config struct {
	DockerBinary   string        // docker CLI binary
	Volume         string        // named volume or host path mounted at the container root
	ContainerRoot  string        // mount point inside the container
	Limits         Limits        // resource constraints
	Timeout        time.Duration // default wall-clock deadline
	MaxOutputBytes int64         // per-stream capture cap
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.DockerBinary == "" {
		c.DockerBinary = defaultDockerBinary
	}
	if c.ContainerRoot == "" {
		c.ContainerRoot = defaultContainerRoot
	}
	if c.Limits.MemoryMB <= 0 {
		c.Limits.MemoryMB = defaultMemoryMB
	}
	if c.Limits.CPUs <= 0 {
		c.Limits.CPUs = defaultCPUs
	}
	if c.Limits.Network == "" {
		c.Limits.Network = defaultNetwork
	}
	if c.Limits.WorkDir == "" {
		c.Limits.WorkDir = c.ContainerRoot
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
}

// Invocation describes one container run.
type Invocation struct {
	Image   string
	Command string        // shell command executed via sh -c
	JobDir  string        // job subdirectory under the container root
	Timeout time.Duration // overrides the config default when > 0
}

// RunResult carries captured output and the exit disposition.
type RunResult struct {
	Stdout string
	Stderr string
	ExitOK bool // exit status 0 and not killed by the driver
}

// Driver executes invocations through the docker CLI.
type Driver struct {
	cfg Config
}

// NewDriver creates a driver with defaults filled.
func NewDriver(cfg Config) (*Driver, error) {
	cfg.SetDefaults()
	if cfg.Volume == "" {
		return nil, appErr.ValidationError("sandbox_volume", "required")
	}
	return &Driver{cfg: cfg}, nil
}

// Run starts a container for the invocation and waits for it to finish.
// Non-zero user exits are not errors; the driver only fails on docker
// faults and deadline expiry.
func (d *Driver) Run(ctx context.Context, inv Invocation) (RunResult, error) {
	if inv.Image == "" {
		return RunResult{}, appErr.ValidationError("image", "required")
	}
	if inv.Command == "" {
		return RunResult{}, appErr.ValidationError("command", "required")
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		fmt.Sprintf("--memory=%dm", d.cfg.Limits.MemoryMB),
		fmt.Sprintf("--cpus=%g", d.cfg.Limits.CPUs),
		fmt.Sprintf("--network=%s", d.cfg.Limits.Network),
		"-v", fmt.Sprintf("%s:%s", d.cfg.Volume, d.cfg.ContainerRoot),
		"-w", path.Join(d.cfg.ContainerRoot, inv.JobDir),
		inv.Image,
		"sh", "-c", inv.Command,
	}

	var stdout, stderr boundedBuffer
	stdout.limit = d.cfg.MaxOutputBytes
	stderr.limit = d.cfg.MaxOutputBytes

	cmd := exec.CommandContext(ctx, d.cfg.DockerBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		logger.Warn(ctx, "container killed on deadline",
			zap.String("image", inv.Image),
			zap.Duration("timeout", timeout),
			zap.Duration("elapsed", elapsed))
		return res, appErr.Newf(appErr.ExecutionTimeout, "Timeout after %d seconds", int(timeout.Seconds()))
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// user command failed inside the container
			return res, nil
		}
		return res, appErr.Wrapf(runErr, appErr.SandboxStartFailed, "docker run failed")
	}

	res.ExitOK = true
	return res, nil
}

// boundedBuffer caps captured output and marks truncation.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.truncated = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
