package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"codex/internal/execution/model"
	"codex/internal/execution/repository"
)

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

type fakeLeases struct {
	locked map[string]bool
	err    error
}

func (f *fakeLeases) IsLocked(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.locked[id], nil
}

func TestReaperSweep(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.items["sub-1"].Status = model.StatusRunning
	h.submissions.items["sub-2"] = &model.Submission{ID: "sub-2", UserID: "u-1", ProblemID: "p-1", Status: model.StatusRunning}
	h.submissions.items["sub-3"] = &model.Submission{ID: "sub-3", UserID: "u-1", ProblemID: "p-1", Status: model.StatusAccepted}
	h.submissions.stale = []string{"sub-1", "sub-2", "sub-3", "gone"}

	reaper, err := NewReaper(h.orch, h.submissions, &fakeLeases{locked: map[string]bool{"sub-2": true}}, nil, 10*time.Minute, 0)
	if err != nil {
		t.Fatalf("new reaper failed: %v", err)
	}
	n, err := reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only sub-1 to be reaped, got %d", n)
	}
	saved := h.onlyResult(t)
	if saved.status != model.StatusRuntimeError || saved.result.SubmissionID != "sub-1" {
		t.Fatalf("unexpected reaped result %+v", saved)
	}
	if !strings.Contains(saved.result.Stderr, "abandoned") {
		t.Fatalf("expected reason in stderr, got %q", saved.result.Stderr)
	}
	if len(h.recorder.records) != 1 || !h.recorder.records[0].systemFailure {
		t.Fatalf("reaped submission counts as a system failure, got %+v", h.recorder.records)
	}
}

func TestReaperSkipsOnLeaseError(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.items["sub-1"].Status = model.StatusRunning
	h.submissions.stale = []string{"sub-1"}
	reaper, _ := NewReaper(h.orch, h.submissions, &fakeLeases{err: errors.New("redis down")}, nil, time.Minute, 10)
	n, err := reaper.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing reaped, n=%d err=%v", n, err)
	}
	if len(h.results.saved) != 0 {
		t.Fatalf("submission must not be touched when its lease state is unknown")
	}
}

func TestNewReaperValidates(t *testing.T) {
	h := newHarness(t, "")
	if _, err := NewReaper(h.orch, h.submissions, &fakeLeases{}, nil, 0, 0); err == nil {
		t.Fatalf("expected error for zero grace period")
	}
	if _, err := NewReaper(nil, h.submissions, &fakeLeases{}, nil, time.Minute, 0); err == nil {
		t.Fatalf("expected error for missing orchestrator")
	}
}

func TestReaperLosesToConcurrentVerdict(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.items["sub-1"].Status = model.StatusRunning
	h.submissions.stale = []string{"sub-1"}
	// A worker whose lease expired stores its verdict between the lease check and the write.
	h.results.err = repository.ErrSubmissionFinalized
	h.results.failures = 1

	reaper, _ := NewReaper(h.orch, h.submissions, &fakeLeases{}, nil, time.Minute, 10)
	n, err := reaper.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing reaped, n=%d err=%v", n, err)
	}
	if len(h.results.saved) != 0 || len(h.notifier.events) != 0 {
		t.Fatalf("the reaper must not announce or store a second verdict")
	}
}

func TestReaperRequeuesStaleQueued(t *testing.T) {
	h := newHarness(t, "", twoCases()...)
	h.submissions.queued = []string{"sub-1", "sub-4"}
	q := &fakeEnqueuer{}

	reaper, err := NewReaper(h.orch, h.submissions, &fakeLeases{locked: map[string]bool{"sub-4": true}}, q, time.Minute, 10)
	if err != nil {
		t.Fatalf("new reaper failed: %v", err)
	}
	n, err := reaper.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one submission re-enqueued, n=%d err=%v", n, err)
	}
	if !reflect.DeepEqual(q.ids, []string{"sub-1"}) {
		t.Fatalf("only the unowned queued submission may be re-enqueued, got %v", q.ids)
	}
	if len(h.results.saved) != 0 {
		t.Fatalf("queued submissions are re-enqueued, not failed")
	}

	q.err = errors.New("redis down")
	if n, err := reaper.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("enqueue failures are logged per id, n=%d err=%v", n, err)
	}
}
