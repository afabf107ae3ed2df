// Package service accepts submissions and serves their status and results.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codex/internal/common/db"
	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	appErr "codex/pkg/errors"
	pagination "codex/pkg/repository"
	"codex/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMaxCodeBytes = 64 * 1024

// Enqueuer hands a committed submission to the execution engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID string) error
}

// Config holds service dependencies and settings.
type Config struct {
	Database     db.Database
	Submissions  repository.SubmissionRepository
	Problems     repository.ProblemRepository
	Languages    repository.LanguageRepository
	Results      repository.ResultRepository
	Archive      repository.OutputArchiver
	History      repository.HistoryRepository
	Queue        Enqueuer
	MaxCodeBytes int
}

// SubmissionService handles submission intake and reads.
type SubmissionService struct {
	db           db.Database
	submissions  repository.SubmissionRepository
	problems     repository.ProblemRepository
	languages    repository.LanguageRepository
	results      repository.ResultRepository
	archive      repository.OutputArchiver
	history      repository.HistoryRepository
	queue        Enqueuer
	maxCodeBytes int
	now          func() time.Time
}

// SubmitInput describes a submission request from an authenticated user.
type SubmitInput struct {
	UserID     string
	ProblemID  string
	LanguageID string
	SourceCode string
}

// SubmissionView is a submission joined with its result when one exists.
type SubmissionView struct {
	Submission *model.Submission
	Result     *model.SubmissionResult
}

func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Problems == nil || cfg.Languages == nil {
		return nil, fmt.Errorf("problem and language repositories are required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result repository is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history repository is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = DefaultMaxCodeBytes
	}
	return &SubmissionService{
		db:           cfg.Database,
		submissions:  cfg.Submissions,
		problems:     cfg.Problems,
		languages:    cfg.Languages,
		results:      cfg.Results,
		archive:      cfg.Archive,
		history:      cfg.History,
		queue:        cfg.Queue,
		maxCodeBytes: cfg.MaxCodeBytes,
		now:          time.Now,
	}, nil
}

// Submit stores a QUEUED submission and enqueues it once the row is committed.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (*model.Submission, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	exists, err := s.problems.Exists(ctx, input.ProblemID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "check problem failed")
	}
	if !exists {
		return nil, appErr.New(appErr.ProblemNotFound)
	}
	exists, err = s.languages.Exists(ctx, input.LanguageID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "check language failed")
	}
	if !exists {
		return nil, appErr.New(appErr.LanguageNotFound)
	}

	submission := &model.Submission{
		ID:         uuid.NewString(),
		UserID:     input.UserID,
		ProblemID:  input.ProblemID,
		LanguageID: input.LanguageID,
		SourceCode: input.SourceCode,
		Status:     model.StatusQueued,
		CreatedAt:  s.now().UTC(),
	}
	err = s.db.Transaction(ctx, func(tx db.Transaction) error {
		return s.submissions.Create(ctx, tx, submission)
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}

	// Only after commit, so a worker never sees an id without its row.
	if err := s.queue.Enqueue(ctx, submission.ID); err != nil {
		logger.Error(ctx, "enqueue committed submission failed",
			zap.String("submission_id", submission.ID),
			zap.Error(err),
		)
		return nil, appErr.Wrapf(err, appErr.QueueError, "enqueue submission failed").
			WithDetail("submission_id", submission.ID)
	}
	logger.Info(ctx, "submission queued",
		zap.String("submission_id", submission.ID),
		zap.String("problem_id", submission.ProblemID),
		zap.String("language_id", submission.LanguageID),
	)
	return submission, nil
}

// Get returns a submission owned by userID together with its result.
func (s *SubmissionService) Get(ctx context.Context, userID, submissionID string) (*SubmissionView, error) {
	submission, err := s.loadOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	view := &SubmissionView{Submission: submission}
	if !submission.Status.IsTerminal() {
		return view, nil
	}
	result, err := s.results.GetBySubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrResultNotFound) {
			return view, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission result failed")
	}
	view.Result = result
	return view, nil
}

// GetOutput returns the full output of a finished submission, reading the
// archive when the stored copy was truncated.
func (s *SubmissionService) GetOutput(ctx context.Context, userID, submissionID string) (*repository.ArchivedOutput, error) {
	view, err := s.Get(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	if view.Result == nil {
		return nil, appErr.New(appErr.NotFound).WithMessage("submission has no result yet")
	}
	if view.Result.ArchiveKey == "" || s.archive == nil {
		return &repository.ArchivedOutput{Stdout: view.Result.Stdout, Stderr: view.Result.Stderr}, nil
	}
	out, err := s.archive.Load(ctx, view.Result.ArchiveKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "load archived output failed")
	}
	return out, nil
}

// ListMine pages through the caller's submissions, newest first.
func (s *SubmissionService) ListMine(ctx context.Context, userID string, page, pageSize int) (*pagination.PaginationResult[model.Submission], error) {
	if strings.TrimSpace(userID) == "" {
		return nil, appErr.New(appErr.Unauthorized)
	}
	var opts pagination.ListOptions
	opts.SetPagination(page, pageSize)
	if err := opts.Validate(); err != nil {
		return nil, appErr.ValidationError("page_size", err.Error())
	}
	items, total, err := s.history.ListSubmissions(ctx, userID, opts)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return pagination.NewPaginationResult(items, total, opts), nil
}

// ProblemStatuses returns the caller's SOLVED/ATTEMPTED state per problem.
func (s *SubmissionService) ProblemStatuses(ctx context.Context, userID string) ([]*model.UserProblemStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, appErr.New(appErr.Unauthorized)
	}
	statuses, err := s.history.ListProblemStatuses(ctx, userID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list problem statuses failed")
	}
	return statuses, nil
}

func (s *SubmissionService) loadOwned(ctx context.Context, userID, submissionID string) (*model.Submission, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	if submission.UserID != userID {
		return nil, appErr.New(appErr.SubmissionAccessDenied)
	}
	return submission, nil
}

func (s *SubmissionService) validateInput(input SubmitInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return appErr.New(appErr.Unauthorized)
	}
	if strings.TrimSpace(input.ProblemID) == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(input.LanguageID) == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if strings.TrimSpace(input.SourceCode) == "" {
		return appErr.ValidationError("source_code", "required")
	}
	if len(input.SourceCode) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	return nil
}
