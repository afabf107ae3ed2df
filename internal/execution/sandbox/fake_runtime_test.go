package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type execCall struct {
	containerID string
	argv        []string
}

// fakeRuntime scripts container behaviour for executor tests.
type fakeRuntime struct {
	mu sync.Mutex

	images  map[string]bool
	pulled  []string
	pullErr error

	createDelay time.Duration
	createErr   error
	created     []ContainerSpec
	removed     []string

	execs []execCall
	// startHang blocks StartExec until ctx is done, like a frozen daemon.
	startHang bool
	startErr  error
	// execFn writes output and returns the exit code for one exec.
	execFn func(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error)
	// runningPolls is how many inspections report the exec as still running.
	runningPolls int
	exitCodes    map[string]int
	polls        map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:    map[string]bool{},
		exitCodes: map[string]int{},
		polls:     map[string]int{},
	}
}

func (f *fakeRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return nil
}

// CreateAndStart ignores ctx on purpose to model an unresponsive daemon.
func (f *fakeRuntime) CreateAndStart(_ context.Context, spec ContainerSpec) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return fmt.Sprintf("container-%d", len(f.created)), nil
}

func (f *fakeRuntime) StartExec(ctx context.Context, containerID string, argv []string) (ExecSession, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{containerID: containerID, argv: append([]string(nil), argv...)})
	execID := fmt.Sprintf("exec-%d", len(f.execs))
	hang, startErr := f.startHang, f.startErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if startErr != nil {
		return nil, startErr
	}
	return &fakeSession{rt: f, id: execID, argv: argv}, nil
}

type fakeSession struct {
	rt   *fakeRuntime
	id   string
	argv []string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Wait(ctx context.Context, stdout, stderr io.Writer) error {
	s.rt.mu.Lock()
	fn := s.rt.execFn
	s.rt.mu.Unlock()

	code := 0
	var err error
	if fn != nil {
		code, err = fn(ctx, s.argv, stdout, stderr)
	}
	s.rt.mu.Lock()
	s.rt.exitCodes[s.id] = code
	s.rt.mu.Unlock()
	return err
}

func (s *fakeSession) Close() {}

func (f *fakeRuntime) ExecExitCode(_ context.Context, execID string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[execID]++
	if f.polls[execID] <= f.runningPolls {
		return 0, true, nil
	}
	return f.exitCodes[execID], false, nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) lastExec() execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execs) == 0 {
		return execCall{}
	}
	return f.execs[len(f.execs)-1]
}
