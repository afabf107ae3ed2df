package repository

import (
	"context"
	"errors"
	"time"

	"codex/internal/common/db"
	"codex/internal/execution/model"
)

// ResultRepository stores terminal outcomes.
type ResultRepository interface {
	// SaveResult writes the terminal status, the aggregate result and the
	// user's progress on the problem in one transaction.
	SaveResult(ctx context.Context, submission *model.Submission, result *model.SubmissionResult, status model.Status) error
	GetBySubmission(ctx context.Context, submissionID string) (*model.SubmissionResult, error)
}

// MySQLResultRepository implements ResultRepository with MySQL.
type MySQLResultRepository struct {
	db          db.Database
	submissions SubmissionRepository
	now         func() time.Time
}

func NewResultRepository(database db.Database, submissions SubmissionRepository) *MySQLResultRepository {
	return &MySQLResultRepository{
		db:          database,
		submissions: submissions,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *MySQLResultRepository) SaveResult(ctx context.Context, submission *model.Submission, result *model.SubmissionResult, status model.Status) error {
	if submission == nil || result == nil {
		return errors.New("submission and result are required")
	}
	if !status.IsTerminal() {
		return errors.New("result can only be saved with a terminal status")
	}
	result.SubmissionID = submission.ID

	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		if err := r.submissions.UpdateStatus(ctx, tx, submission.ID, status); err != nil {
			return err
		}
		if err := r.upsertResult(ctx, tx, result); err != nil {
			return err
		}
		if err := r.updateUserProblemStatus(ctx, tx, submission, status); err != nil {
			return err
		}
		submission.Status = status
		return nil
	})
}

func (r *MySQLResultRepository) upsertResult(ctx context.Context, tx db.Transaction, result *model.SubmissionResult) error {
	query := `
		INSERT INTO submission_results
		(submission_id, execution_time_ms, memory_used_mb, passed_test_cases, total_test_cases, stdout, stderr, archive_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			execution_time_ms = VALUES(execution_time_ms),
			memory_used_mb = VALUES(memory_used_mb),
			passed_test_cases = VALUES(passed_test_cases),
			total_test_cases = VALUES(total_test_cases),
			stdout = VALUES(stdout),
			stderr = VALUES(stderr),
			archive_key = VALUES(archive_key)
	`
	_, err := tx.Exec(
		ctx,
		query,
		result.SubmissionID,
		result.ExecutionTimeMs,
		result.MemoryUsedMb,
		result.PassedTestCases,
		result.TotalTestCases,
		result.Stdout,
		result.Stderr,
		result.ArchiveKey,
	)
	return err
}

// updateUserProblemStatus never downgrades SOLVED; a non-accepted verdict
// only records ATTEMPTED when the user has no row for the problem yet.
func (r *MySQLResultRepository) updateUserProblemStatus(ctx context.Context, tx db.Transaction, submission *model.Submission, status model.Status) error {
	var current string
	err := tx.QueryRow(
		ctx,
		"SELECT status FROM user_problem_status WHERE user_id = ? AND problem_id = ? FOR UPDATE",
		submission.UserID,
		submission.ProblemID,
	).Scan(&current)
	exists := true
	if err != nil {
		if !db.IsNoRows(err) {
			return err
		}
		exists = false
	}

	if status == model.StatusAccepted {
		if exists && current == string(model.UserProblemSolved) {
			return nil
		}
		if exists {
			_, err = tx.Exec(
				ctx,
				"UPDATE user_problem_status SET status = ?, solved_at = ? WHERE user_id = ? AND problem_id = ?",
				string(model.UserProblemSolved), r.now(), submission.UserID, submission.ProblemID,
			)
			return err
		}
		_, err = tx.Exec(
			ctx,
			"INSERT INTO user_problem_status (user_id, problem_id, status, solved_at) VALUES (?, ?, ?, ?)",
			submission.UserID, submission.ProblemID, string(model.UserProblemSolved), r.now(),
		)
		return err
	}

	if exists {
		return nil
	}
	_, err = tx.Exec(
		ctx,
		"INSERT INTO user_problem_status (user_id, problem_id, status) VALUES (?, ?, ?)",
		submission.UserID, submission.ProblemID, string(model.UserProblemAttempted),
	)
	return err
}

func (r *MySQLResultRepository) GetBySubmission(ctx context.Context, submissionID string) (*model.SubmissionResult, error) {
	query := `
		SELECT submission_id, execution_time_ms, memory_used_mb, passed_test_cases, total_test_cases, stdout, stderr, archive_key
		FROM submission_results WHERE submission_id = ?
	`
	var res model.SubmissionResult
	err := r.db.QueryRow(ctx, query, submissionID).Scan(
		&res.SubmissionID,
		&res.ExecutionTimeMs,
		&res.MemoryUsedMb,
		&res.PassedTestCases,
		&res.TotalTestCases,
		&res.Stdout,
		&res.Stderr,
		&res.ArchiveKey,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return &res, nil
}

var _ ResultRepository = (*MySQLResultRepository)(nil)
