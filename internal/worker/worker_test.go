package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/catalog"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/workspace"
	appErr "runbox/pkg/errors"
)

type fakeQueue struct {
	mu       sync.Mutex
	jobs     chan *queue.Job
	resolved map[string]string
	rejected map[string]string
}

func newFakeQueue(jobs ...*queue.Job) *fakeQueue {
	ch := make(chan *queue.Job, len(jobs))
	for _, job := range jobs {
		ch <- job
	}
	return &fakeQueue{
		jobs:     ch,
		resolved: map[string]string{},
		rejected: map[string]string{},
	}
}

func (f *fakeQueue) Submit(ctx context.Context, payload queue.Payload) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeQueue) SubmitDelayed(ctx context.Context, payload queue.Payload, delay time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeQueue) Fetch(ctx context.Context) (*queue.Job, error) {
	// drain queued jobs before honouring cancellation
	select {
	case job := <-f.jobs:
		return job, nil
	default:
	}
	select {
	case job := <-f.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeQueue) Resolve(ctx context.Context, id, stdout string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[id] = stdout
	return nil
}

func (f *fakeQueue) Reject(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[id] = reason
	return nil
}

func (f *fakeQueue) Get(ctx context.Context, id string) (*queue.Job, error) {
	return nil, appErr.Newf(appErr.JobNotFound, "job not found: %s", id)
}

func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                   { return nil }

func (f *fakeQueue) resolvedOutput(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.resolved[id]
	return out, ok
}

func (f *fakeQueue) rejectedReason(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.rejected[id]
	return reason, ok
}

type fakeWorkspace struct {
	mu      sync.Mutex
	set     workspace.ArtifactSet
	err     error
	cleaned []string
}

func (f *fakeWorkspace) Prepare(desc catalog.Descriptor, code, jobID string) (workspace.ArtifactSet, error) {
	if f.err != nil {
		return workspace.ArtifactSet{}, f.err
	}
	set := f.set
	set.JobID = jobID
	return set, nil
}

func (f *fakeWorkspace) Cleanup(set workspace.ArtifactSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, set.JobID)
}

func (f *fakeWorkspace) cleanedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

type fakeSandbox struct {
	mu   sync.Mutex
	res  sandbox.RunResult
	err  error
	invs []sandbox.Invocation
}

func (f *fakeSandbox) Run(ctx context.Context, inv sandbox.Invocation) (sandbox.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invs = append(f.invs, inv)
	return f.res, f.err
}

func (f *fakeSandbox) invocations() []sandbox.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Invocation(nil), f.invs...)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

func newTestPool(t *testing.T, q queue.Queue, ws Workspace, sb Sandbox) *Pool {
	t.Helper()
	pool, err := NewPool(Config{
		Queue:     q,
		Catalog:   testCatalog(t),
		Workspace: ws,
		Sandbox:   sb,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{}
	sb := &fakeSandbox{}
	cat := testCatalog(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing queue", Config{Catalog: cat, Workspace: ws, Sandbox: sb}},
		{"missing catalog", Config{Queue: q, Workspace: ws, Sandbox: sb}},
		{"missing workspace", Config{Queue: q, Catalog: cat, Sandbox: sb}},
		{"missing sandbox", Config{Queue: q, Catalog: cat, Workspace: ws}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewPoolDefaults(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, newFakeQueue(), &fakeWorkspace{}, &fakeSandbox{})
	if pool.cfg.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", pool.cfg.Concurrency)
	}
	if pool.cfg.ContainerRoot != "/code" {
		t.Errorf("ContainerRoot = %s, want /code", pool.cfg.ContainerRoot)
	}
	if pool.cfg.DrainGrace != 30*time.Second {
		t.Errorf("DrainGrace = %s, want 30s", pool.cfg.DrainGrace)
	}
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{set: workspace.ArtifactSet{SourceName: "a.py"}}
	sb := &fakeSandbox{res: sandbox.RunResult{Stdout: "hi\n", ExitOK: true}}
	pool := newTestPool(t, q, ws, sb)

	pool.process(context.Background(), &queue.Job{ID: "j1", Language: "python", Code: "print('hi')"})

	out, ok := q.resolvedOutput("j1")
	if !ok {
		t.Fatal("job not resolved")
	}
	if out != "hi\n" {
		t.Errorf("output = %q", out)
	}
	if got := ws.cleanedJobs(); len(got) != 1 || got[0] != "j1" {
		t.Errorf("cleaned = %v, want [j1]", got)
	}

	invs := sb.invocations()
	if len(invs) != 1 {
		t.Fatalf("invocations = %d, want 1", len(invs))
	}
	if invs[0].Image != "python" {
		t.Errorf("image = %s", invs[0].Image)
	}
	if invs[0].JobDir != "j1" {
		t.Errorf("job dir = %s", invs[0].JobDir)
	}
	if invs[0].Command != "python3 /code/j1/a.py" {
		t.Errorf("command = %q", invs[0].Command)
	}
}

func TestProcessExpandsCompiledCommand(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{set: workspace.ArtifactSet{SourceName: "b.cpp", OutputName: "b.out"}}
	sb := &fakeSandbox{res: sandbox.RunResult{ExitOK: true}}
	pool := newTestPool(t, q, ws, sb)

	pool.process(context.Background(), &queue.Job{ID: "j2", Language: "cpp", Code: "int main(){}"})

	invs := sb.invocations()
	if len(invs) != 1 {
		t.Fatalf("invocations = %d, want 1", len(invs))
	}
	want := "g++ /code/j2/b.cpp -o /code/j2/b.out && /code/j2/b.out"
	if invs[0].Command != want {
		t.Errorf("command = %q, want %q", invs[0].Command, want)
	}
}

func TestProcessUnknownLanguage(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{}
	sb := &fakeSandbox{}
	pool := newTestPool(t, q, ws, sb)

	pool.process(context.Background(), &queue.Job{ID: "j3", Language: "cobol"})

	reason, ok := q.rejectedReason("j3")
	if !ok {
		t.Fatal("job not rejected")
	}
	if !strings.Contains(reason, "cobol") {
		t.Errorf("reason = %q", reason)
	}
	if len(sb.invocations()) != 0 {
		t.Error("sandbox should not run for unknown language")
	}
}

func TestProcessPrepareFailure(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{err: appErr.New(appErr.ArtifactWriteFailed)}
	sb := &fakeSandbox{}
	pool := newTestPool(t, q, ws, sb)

	pool.process(context.Background(), &queue.Job{ID: "j4", Language: "python"})

	if _, ok := q.rejectedReason("j4"); !ok {
		t.Fatal("job not rejected")
	}
	if len(sb.invocations()) != 0 {
		t.Error("sandbox should not run when prepare fails")
	}
}

func TestProcessFailureRetainsArtifacts(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	ws := &fakeWorkspace{set: workspace.ArtifactSet{SourceName: "a.py"}}
	sb := &fakeSandbox{res: sandbox.RunResult{Stderr: "boom", ExitOK: false}}
	pool := newTestPool(t, q, ws, sb)

	pool.process(context.Background(), &queue.Job{ID: "j5", Language: "python"})

	if _, ok := q.rejectedReason("j5"); !ok {
		t.Fatal("job not rejected")
	}
	if got := ws.cleanedJobs(); len(got) != 0 {
		t.Errorf("cleaned = %v, want none for failed job", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	strict := catalog.Descriptor{Tag: "c", TreatStderrAsFailure: true}
	lenient := catalog.Descriptor{Tag: "python"}

	tests := []struct {
		name       string
		desc       catalog.Descriptor
		res        sandbox.RunResult
		runErr     error
		wantOK     bool
		wantStdout string
		wantReason string
	}{
		{
			name:       "clean exit",
			desc:       lenient,
			res:        sandbox.RunResult{Stdout: "out", ExitOK: true},
			wantOK:     true,
			wantStdout: "out",
		},
		{
			name:       "interpreter stderr tolerated",
			desc:       lenient,
			res:        sandbox.RunResult{Stdout: "out", Stderr: "DeprecationWarning", ExitOK: true},
			wantOK:     true,
			wantStdout: "out",
		},
		{
			name:       "compiled stderr is failure",
			desc:       strict,
			res:        sandbox.RunResult{Stdout: "out", Stderr: "warning: unused", ExitOK: true},
			wantReason: "Execution potentially failed. Stderr:\nwarning: unused",
		},
		{
			name:       "non-zero exit",
			desc:       lenient,
			res:        sandbox.RunResult{Stderr: "Traceback", ExitOK: false},
			wantReason: "command exited with non-zero status\nTraceback",
		},
		{
			name:       "non-zero exit without stderr",
			desc:       lenient,
			res:        sandbox.RunResult{ExitOK: false},
			wantReason: "command exited with non-zero status",
		},
		{
			name:       "driver error appends stderr",
			desc:       lenient,
			res:        sandbox.RunResult{Stderr: "daemon gone"},
			runErr:     appErr.Newf(appErr.SandboxStartFailed, "docker run failed"),
			wantReason: "docker run failed\ndaemon gone",
		},
		{
			name:       "timeout omits stderr",
			desc:       lenient,
			res:        sandbox.RunResult{Stderr: "partial"},
			runErr:     appErr.Newf(appErr.ExecutionTimeout, "Timeout after 15 seconds"),
			wantReason: "Timeout after 15 seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.desc, tt.res, tt.runErr)
			if got.ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", got.ok, tt.wantOK)
			}
			if got.stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", got.stdout, tt.wantStdout)
			}
			if got.reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.reason, tt.wantReason)
			}
		})
	}
}

func TestPoolDrainsInFlightJob(t *testing.T) {
	t.Parallel()

	job := &queue.Job{ID: "j6", Language: "python", Code: "print(1)"}
	q := newFakeQueue(job)
	ws := &fakeWorkspace{set: workspace.ArtifactSet{SourceName: "a.py"}}
	sb := &fakeSandbox{res: sandbox.RunResult{Stdout: "1\n", ExitOK: true}}

	pool, err := NewPool(Config{
		Queue:       q,
		Catalog:     testCatalog(t),
		Workspace:   ws,
		Sandbox:     sb,
		Concurrency: 1,
		DrainGrace:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	pool.Start(context.Background())
	pool.Close()

	if _, ok := q.resolvedOutput("j6"); !ok {
		t.Error("in-flight job not resolved before drain completed")
	}
}
