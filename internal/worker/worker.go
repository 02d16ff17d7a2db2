// Package worker consumes jobs from the queue and drives them through the
// prepare -> run -> classify -> cleanup pipeline.
package worker

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"runbox/internal/catalog"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"
)

const (
	defaultConcurrency = 5
	defaultDrainGrace  = 30 * time.Second

	stderrFailurePrefix = "Execution potentially failed. Stderr:\n"
)

// Resolver maps language tags to descriptors.
type Resolver interface {
	Resolve(tag string) (catalog.Descriptor, error)
}

// Workspace materializes and removes per-job artifacts.
type Workspace interface {
	Prepare(desc catalog.Descriptor, code, jobID string) (workspace.ArtifactSet, error)
	Cleanup(set workspace.ArtifactSet)
}

// Sandbox executes a prepared invocation.
type Sandbox interface {
	Run(ctx context.Context, inv sandbox.Invocation) (sandbox.RunResult, error)
}

// Config wires the pool's collaborators.
type Config struct {
	Queue         queue.Queue
	Catalog       Resolver
	Workspace     Workspace
	Sandbox       Sandbox
	ContainerRoot string        // mount point of the shared volume inside containers
	Concurrency   int           // parallel consumers, default 5
	DrainGrace    time.Duration // shutdown wait for in-flight jobs, default 30s
}

// Pool runs N consumer goroutines against the queue.
type Pool struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool validates the config and returns a stopped pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, appErr.ValidationError("queue", "required")
	}
	if cfg.Catalog == nil {
		return nil, appErr.ValidationError("catalog", "required")
	}
	if cfg.Workspace == nil {
		return nil, appErr.ValidationError("workspace", "required")
	}
	if cfg.Sandbox == nil {
		return nil, appErr.ValidationError("sandbox", "required")
	}
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = "/code"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	return &Pool{cfg: cfg}, nil
}

// Start launches the consumer goroutines. They stop fetching when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.consume(ctx, slot)
		}(i)
	}
	logger.Info(ctx, "worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Close stops fetching and waits for in-flight jobs within the drain grace.
func (p *Pool) Close() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info(context.Background(), "worker pool drained")
		case <-time.After(p.cfg.DrainGrace):
			logger.Warn(context.Background(), "worker pool drain grace expired",
				zap.Duration("grace", p.cfg.DrainGrace))
		}
	})
}

func (p *Pool) consume(ctx context.Context, slot int) {
	for {
		job, err := p.cfg.Queue.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Warn(ctx, "fetch job failed", zap.Int("slot", slot), zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		// finish the job even when shutdown begins mid-flight
		jobCtx := context.WithValue(context.Background(), contextkey.JobID, job.ID)
		p.process(jobCtx, job)
	}
}

// process runs one job through its full lifecycle. A classified user-code
// failure never propagates; every path ends in Resolve or Reject.
func (p *Pool) process(ctx context.Context, job *queue.Job) {
	desc, err := p.cfg.Catalog.Resolve(job.Language)
	if err != nil {
		p.reject(ctx, job.ID, err.Error())
		return
	}

	set, err := p.cfg.Workspace.Prepare(desc, job.Code, job.ID)
	if err != nil {
		p.reject(ctx, job.ID, err.Error())
		return
	}

	jobRoot := path.Join(p.cfg.ContainerRoot, job.ID)
	command := catalog.Expand(desc.CommandTemplate, catalog.Binding{
		File:      path.Join(jobRoot, set.SourceName),
		Output:    path.Join(jobRoot, set.OutputName),
		ClassName: set.ClassName,
	})

	res, runErr := p.cfg.Sandbox.Run(ctx, sandbox.Invocation{
		Image:   desc.Image,
		Command: command,
		JobDir:  job.ID,
	})

	outcome := classify(desc, res, runErr)
	if outcome.ok {
		p.cfg.Workspace.Cleanup(set)
		if err := p.cfg.Queue.Resolve(ctx, job.ID, outcome.stdout); err != nil {
			logger.Error(ctx, "resolve job failed", zap.Error(err))
		}
		logger.Info(ctx, "job completed", zap.String("language", job.Language))
		return
	}
	// failed artifacts stay on disk for post-mortem
	p.reject(ctx, job.ID, outcome.reason)
}

func (p *Pool) reject(ctx context.Context, id, reason string) {
	if err := p.cfg.Queue.Reject(ctx, id, reason); err != nil {
		logger.Error(ctx, "reject job failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "job failed", zap.String("reason", reason))
}

type outcome struct {
	ok     bool
	stdout string
	reason string
}

// classify maps a driver result onto the job outcome, honouring the
// per-language stderr policy.
func classify(desc catalog.Descriptor, res sandbox.RunResult, runErr error) outcome {
	if runErr != nil {
		reason := runErr.Error()
		if appErr.GetCode(runErr) != appErr.ExecutionTimeout && res.Stderr != "" {
			reason = reason + "\n" + res.Stderr
		}
		return outcome{reason: reason}
	}
	if !res.ExitOK {
		reason := "command exited with non-zero status"
		if res.Stderr != "" {
			reason = reason + "\n" + res.Stderr
		}
		return outcome{reason: reason}
	}
	if res.Stderr != "" && desc.TreatStderrAsFailure {
		return outcome{reason: stderrFailurePrefix + res.Stderr}
	}
	return outcome{ok: true, stdout: res.Stdout}
}
