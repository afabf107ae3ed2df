// Package sandbox runs untrusted code inside short-lived containers. One
// container serves a whole submission: the source is compiled once and
// every test case is executed in it.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codex/internal/execution/model"
	appErr "codex/pkg/errors"
	"codex/pkg/utils/logger"

	"go.uber.org/zap"
)

// WorkspaceMount is the container path of the per-submission workspace.
const WorkspaceMount = "/workspace"

const inputFileName = "input.txt"

// Config holds the sandbox limits and infrastructure timeouts.
type Config struct {
	DockerHost        string        `yaml:"dockerHost"`
	WorkspaceRoot     string        `yaml:"workspaceRoot"`
	PullTimeout       time.Duration `yaml:"pullTimeout"`
	CreateTimeout     time.Duration `yaml:"createTimeout"`
	CompileTimeout    time.Duration `yaml:"compileTimeout"`
	ExecStartTimeout  time.Duration `yaml:"execStartTimeout"`
	CleanupTimeout    time.Duration `yaml:"cleanupTimeout"`
	ContainerLifetime time.Duration `yaml:"containerLifetime"`
	CPUQuota          int64         `yaml:"cpuQuota"`
	CPUPeriod         int64         `yaml:"cpuPeriod"`
	PidsLimit         int64         `yaml:"pidsLimit"`
	ExitCodeRetries   int           `yaml:"exitCodeRetries"`
	ExitCodeInterval  time.Duration `yaml:"exitCodeInterval"`
	OutputLimitBytes  int           `yaml:"outputLimitBytes"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		WorkspaceRoot:     filepath.Join(os.TempDir(), "codex"),
		PullTimeout:       5 * time.Minute,
		CreateTimeout:     60 * time.Second,
		CompileTimeout:    60 * time.Second,
		ExecStartTimeout:  30 * time.Second,
		CleanupTimeout:    30 * time.Second,
		ContainerLifetime: 600 * time.Second,
		CPUQuota:          50000,
		CPUPeriod:         100000,
		PidsLimit:         50,
		ExitCodeRetries:   5,
		ExitCodeInterval:  500 * time.Millisecond,
		OutputLimitBytes:  1 << 20,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = d.PullTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = d.CreateTimeout
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = d.CompileTimeout
	}
	if c.ExecStartTimeout <= 0 {
		c.ExecStartTimeout = d.ExecStartTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	if c.ContainerLifetime <= 0 {
		c.ContainerLifetime = d.ContainerLifetime
	}
	if c.CPUQuota <= 0 {
		c.CPUQuota = d.CPUQuota
	}
	if c.CPUPeriod <= 0 {
		c.CPUPeriod = d.CPUPeriod
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = d.PidsLimit
	}
	if c.ExitCodeRetries <= 0 {
		c.ExitCodeRetries = d.ExitCodeRetries
	}
	if c.ExitCodeInterval <= 0 {
		c.ExitCodeInterval = d.ExitCodeInterval
	}
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = d.OutputLimitBytes
	}
}

// Handle identifies a running sandbox. Either field may be empty when
// provisioning stopped half way; Cleanup copes with both.
type Handle struct {
	ContainerID string
	Workspace   string
}

// Executor manages sandbox lifecycles on top of a Runtime.
type Executor struct {
	rt  Runtime
	cfg Config
}

// NewExecutor builds an executor; zero config fields take the defaults.
func NewExecutor(rt Runtime, cfg Config) (*Executor, error) {
	if rt == nil {
		return nil, fmt.Errorf("container runtime is required")
	}
	cfg.ApplyDefaults()
	return &Executor{rt: rt, cfg: cfg}, nil
}

// PrepareWorkspace creates a fresh staging directory holding the source file.
func (e *Executor) PrepareWorkspace(ctx context.Context, source, fileName string) (string, error) {
	if fileName == "" || filepath.Base(fileName) != fileName {
		return "", appErr.Newf(appErr.WorkspaceFailed, "invalid source file name %q", fileName)
	}
	if err := os.MkdirAll(e.cfg.WorkspaceRoot, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace root failed")
	}
	dir, err := os.MkdirTemp(e.cfg.WorkspaceRoot, "exec-")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace failed")
	}
	// Images may run as a non-root user that must write build output here.
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "chmod workspace failed")
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(source), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "write source file failed")
	}
	logger.Debug(ctx, "workspace prepared", zap.String("workspace", dir), zap.String("file", fileName))
	return dir, nil
}

// EnsureImage pulls ref unless it is already present.
func (e *Executor) EnsureImage(ctx context.Context, ref string) error {
	exists, err := e.rt.ImageExists(ctx, ref)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "inspect image %s failed", ref)
	}
	if exists {
		return nil
	}
	logger.Info(ctx, "pulling runtime image", zap.String("image", ref))
	pullCtx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()
	start := time.Now()
	if err := e.rt.PullImage(pullCtx, ref); err != nil {
		if pullCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return appErr.Wrapf(err, appErr.SandboxTimeout, "pull image %s timed out after %s", ref, e.cfg.PullTimeout)
		}
		return appErr.Wrapf(err, appErr.ImagePullFailed, "pull image %s failed", ref)
	}
	logger.Info(ctx, "runtime image pulled", zap.String("image", ref), zap.Duration("elapsed", time.Since(start)))
	return nil
}

type createOutcome struct {
	id  string
	err error
}

// CreateAndStart provisions the container for workspace. The whole call is
// bounded by the create timeout; a container that shows up after the
// deadline is removed in the background.
func (e *Executor) CreateAndStart(ctx context.Context, ref, workspace string, memoryLimitMb int64) (*Handle, error) {
	if err := e.EnsureImage(ctx, ref); err != nil {
		return nil, err
	}
	if memoryLimitMb <= 0 {
		return nil, appErr.Newf(appErr.ContainerCreateFailed, "invalid memory limit %dMB", memoryLimitMb)
	}
	spec := ContainerSpec{
		Image:       ref,
		Workspace:   workspace,
		MemoryBytes: memoryLimitMb * 1024 * 1024,
		CPUQuota:    e.cfg.CPUQuota,
		CPUPeriod:   e.cfg.CPUPeriod,
		PidsLimit:   e.cfg.PidsLimit,
		Cmd:         []string{"sleep", strconv.FormatInt(int64(e.cfg.ContainerLifetime/time.Second), 10)},
	}

	createCtx, cancel := context.WithTimeout(ctx, e.cfg.CreateTimeout)
	defer cancel()
	outcome := make(chan createOutcome, 1)
	go func() {
		id, err := e.rt.CreateAndStart(createCtx, spec)
		outcome <- createOutcome{id: id, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			if createCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, appErr.Wrapf(out.err, appErr.SandboxTimeout, "container creation timed out after %s", e.cfg.CreateTimeout)
			}
			return nil, appErr.Wrapf(out.err, appErr.ContainerCreateFailed, "create container from %s failed", ref)
		}
		logger.Info(ctx, "sandbox container started", zap.String("container_id", out.id), zap.String("image", ref))
		return &Handle{ContainerID: out.id, Workspace: workspace}, nil
	case <-createCtx.Done():
		go e.reapLateContainer(context.WithoutCancel(ctx), outcome)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, appErr.Newf(appErr.SandboxTimeout, "container creation timed out after %s", e.cfg.CreateTimeout)
	}
}

func (e *Executor) reapLateContainer(ctx context.Context, outcome <-chan createOutcome) {
	out := <-outcome
	if out.err != nil || out.id == "" {
		return
	}
	rmCtx, cancel := context.WithTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()
	if err := e.rt.Remove(rmCtx, out.id); err != nil {
		logger.Warn(ctx, "remove abandoned container failed", zap.String("container_id", out.id), zap.Error(err))
		return
	}
	logger.Info(ctx, "removed container created after timeout", zap.String("container_id", out.id))
}

// Compile runs cmd once. A nil cmd is a successful no-op. The returned
// result is non-nil only when compilation failed.
func (e *Executor) Compile(ctx context.Context, h *Handle, cmd *Command) (*model.ExecutionResult, error) {
	if cmd == nil {
		return nil, nil
	}
	res, err := e.run(ctx, h, cmd, e.cfg.CompileTimeout)
	if err != nil {
		return nil, err
	}
	if res.Success() {
		return nil, nil
	}
	logger.Info(ctx, "compilation failed", zap.Int("exit_code", res.ExitCode), zap.Bool("timed_out", res.TimedOut))
	return res, nil
}

// RunTestCase stages input and runs cmd under the wall-clock limit. Input
// is wired to stdin only when it is non-empty.
func (e *Executor) RunTestCase(ctx context.Context, h *Handle, cmd *Command, input string, timeLimitMs int64) (*model.ExecutionResult, error) {
	if cmd == nil {
		return nil, appErr.New(appErr.InvalidCommand).WithMessage("execute command is empty")
	}
	if h == nil || h.Workspace == "" {
		return nil, appErr.New(appErr.SandboxError).WithMessage("sandbox is not provisioned")
	}
	if err := stageInput(h.Workspace, input); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "write test input failed")
	}
	return e.run(ctx, h, cmd.WithStdin(input != ""), time.Duration(timeLimitMs)*time.Millisecond)
}

// stageInput replaces the input file through a root bound to the
// workspace. The container owns the workspace, so whatever it left at the
// input path is removed first and the file is created exclusively; links
// are never followed out of the directory.
func stageInput(workspace, input string) error {
	root, err := os.OpenRoot(workspace)
	if err != nil {
		return err
	}
	defer root.Close()
	if err := root.Remove(inputFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := root.OpenFile(inputFileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(input); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// run executes one command. Starting the exec is bounded by the exec start
// timeout and fails with an error; the limit only covers the program
// itself, and an expired limit is reported as a timed out result.
func (e *Executor) run(ctx context.Context, h *Handle, cmd *Command, limit time.Duration) (*model.ExecutionResult, error) {
	if h == nil || h.ContainerID == "" {
		return nil, appErr.New(appErr.SandboxError).WithMessage("sandbox is not provisioned")
	}
	if limit <= 0 {
		return nil, appErr.Newf(appErr.ExecFailed, "invalid time limit %s", limit)
	}

	// The attached stream may stay bound to the start context, so it is
	// cancelled by a timer instead of a deadline that would outlive the start.
	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	startTimer := time.AfterFunc(e.cfg.ExecStartTimeout, cancelStart)
	session, err := e.rt.StartExec(startCtx, h.ContainerID, cmd.Argv())
	if !startTimer.Stop() {
		if err == nil {
			session.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, appErr.Newf(appErr.SandboxTimeout, "starting %s timed out after %s", cmd.Program, e.cfg.ExecStartTimeout)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, appErr.Wrapf(err, appErr.ExecFailed, "start exec %s failed", cmd.Program)
	}
	defer session.Close()
	execID := session.ID()

	stdout := newCappedBuffer(e.cfg.OutputLimitBytes)
	stderr := newCappedBuffer(e.cfg.OutputLimitBytes)
	execCtx, cancel := context.WithTimeout(startCtx, limit)
	defer cancel()
	start := time.Now()
	err = session.Wait(execCtx, stdout, stderr)
	elapsed := time.Since(start)

	if err != nil && execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		limitMs := limit.Milliseconds()
		logger.Warn(ctx, "command timed out", zap.String("exec_id", execID), zap.Int64("limit_ms", limitMs))
		return &model.ExecutionResult{
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Execution timed out after %dms", limitMs),
			ExitCode: -1,
			Duration: elapsed,
			TimedOut: true,
		}, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, appErr.Wrapf(err, appErr.ExecFailed, "exec %s failed", cmd.Program)
	}

	return &model.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: e.exitCode(ctx, execID),
		Duration: elapsed,
	}, nil
}

// exitCode polls the runtime because the code may lag behind stream close.
func (e *Executor) exitCode(ctx context.Context, execID string) int {
	for attempt := 1; attempt <= e.cfg.ExitCodeRetries; attempt++ {
		code, running, err := e.rt.ExecExitCode(ctx, execID)
		if err == nil && !running {
			return code
		}
		if err != nil {
			logger.Debug(ctx, "inspect exec failed", zap.String("exec_id", execID), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == e.cfg.ExitCodeRetries {
			break
		}
		timer := time.NewTimer(e.cfg.ExitCodeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return -1
		case <-timer.C:
		}
	}
	logger.Warn(ctx, "exit code unavailable after retries", zap.String("exec_id", execID))
	return -1
}

// Cleanup removes the container and workspace. It uses its own deadline so
// it still runs after the caller's context is cancelled, and only logs
// failures.
func (e *Executor) Cleanup(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()
	if h.ContainerID != "" {
		if err := e.rt.Remove(cleanupCtx, h.ContainerID); err != nil {
			logger.Error(ctx, "remove sandbox container failed", zap.String("container_id", h.ContainerID), zap.Error(err))
		} else {
			logger.Debug(ctx, "sandbox container removed", zap.String("container_id", h.ContainerID))
		}
	}
	if h.Workspace != "" {
		if err := os.RemoveAll(h.Workspace); err != nil {
			logger.Error(ctx, "remove workspace failed", zap.String("workspace", h.Workspace), zap.Error(err))
		}
	}
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so a
// chatty program cannot exhaust worker memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if !b.truncated {
		return b.buf.String()
	}
	var sb strings.Builder
	sb.Grow(b.buf.Len() + 32)
	sb.Write(b.buf.Bytes())
	sb.WriteString("\n[output truncated]")
	return sb.String()
}
