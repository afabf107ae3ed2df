package service

import (
	"context"
	"errors"
	"time"

	"codex/internal/common/db"
	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	pagination "codex/pkg/repository"
)

type fakeDB struct {
	txErr     error
	committed int
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}
func (f *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	if err := fn(nil); err != nil {
		return err
	}
	f.committed++
	return nil
}
func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }

type fakeSubmissions struct {
	items     map[string]*model.Submission
	createErr error
	created []string
}

func (f *fakeSubmissions) Create(ctx context.Context, tx db.Transaction, s *model.Submission) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.items == nil {
		f.items = map[string]*model.Submission{}
	}
	copied := *s
	f.items[s.ID] = &copied
	f.created = append(f.created, s.ID)
	return nil
}
func (f *fakeSubmissions) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	s, ok := f.items[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	copied := *s
	return &copied, nil
}
func (f *fakeSubmissions) UpdateStatus(ctx context.Context, tx db.Transaction, id string, status model.Status) error {
	return nil
}
func (f *fakeSubmissions) ListStale(ctx context.Context, status model.Status, before time.Time, limit int) ([]string, error) {
	return nil, nil
}

type fakeCatalog struct {
	known map[string]bool
	err   error
}

func (f *fakeCatalog) Exists(ctx context.Context, id string) (bool, error) {
	return f.known[id], f.err
}

type fakeProblems struct{ fakeCatalog }

func (f *fakeProblems) GetByID(ctx context.Context, id string) (*model.Problem, error) {
	return &model.Problem{ID: id}, nil
}

type fakeLanguages struct{ fakeCatalog }

func (f *fakeLanguages) GetByID(ctx context.Context, id string) (*model.Language, error) {
	return &model.Language{ID: id}, nil
}

type fakeResults struct {
	items map[string]*model.SubmissionResult
}

func (f *fakeResults) SaveResult(ctx context.Context, s *model.Submission, r *model.SubmissionResult, status model.Status) error {
	return nil
}
func (f *fakeResults) GetBySubmission(ctx context.Context, id string) (*model.SubmissionResult, error) {
	r, ok := f.items[id]
	if !ok {
		return nil, repository.ErrResultNotFound
	}
	return r, nil
}

type fakeArchive struct {
	outputs map[string]*repository.ArchivedOutput
}

func (f *fakeArchive) Offload(ctx context.Context, r *model.SubmissionResult) (bool, error) {
	return false, nil
}
func (f *fakeArchive) Load(ctx context.Context, key string) (*repository.ArchivedOutput, error) {
	out, ok := f.outputs[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return out, nil
}

type fakeQueue struct {
	subs *fakeSubmissions
	ids  []string
	err  error
	// rowFound records whether the row existed when Enqueue ran.
	rowFound []bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	_, ok := f.subs.items[id]
	f.rowFound = append(f.rowFound, ok)
	f.ids = append(f.ids, id)
	return nil
}

type fakeHistory struct {
	submissions []*model.Submission
	statuses    []*model.UserProblemStatus
	err         error
	lastOpts    pagination.ListOptions
}

func (f *fakeHistory) ListSubmissions(ctx context.Context, userID string, opts pagination.ListOptions) ([]*model.Submission, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	f.lastOpts = opts
	var mine []*model.Submission
	for _, s := range f.submissions {
		if s.UserID == userID {
			mine = append(mine, s)
		}
	}
	total := int64(len(mine))
	if opts.Offset >= len(mine) {
		return []*model.Submission{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[opts.Offset:end], total, nil
}

func (f *fakeHistory) ListProblemStatuses(ctx context.Context, userID string) ([]*model.UserProblemStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.UserProblemStatus
	for _, ps := range f.statuses {
		if ps.UserID == userID {
			out = append(out, ps)
		}
	}
	return out, nil
}
