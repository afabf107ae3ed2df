package repository

import (
	"context"
	"errors"
	"time"

	"codex/internal/common/db"
	"codex/internal/execution/model"
)

// SubmissionRepository defines submission persistence.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error
	GetByID(ctx context.Context, submissionID string) (*model.Submission, error)
	UpdateStatus(ctx context.Context, tx db.Transaction, submissionID string, status model.Status) error
	// ListStale returns ids whose status has not changed since before,
	// oldest first.
	ListStale(ctx context.Context, status model.Status, before time.Time, limit int) ([]string, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = "id, user_id, problem_id, language_id, source_code, status, created_at"

func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.ID == "" {
		return errors.New("submission id is required")
	}
	if submission.UserID == "" || submission.ProblemID == "" || submission.LanguageID == "" {
		return errors.New("user, problem and language are required")
	}
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO submissions
		(id, user_id, problem_id, language_id, source_code, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		submission.ID,
		submission.UserID,
		submission.ProblemID,
		submission.LanguageID,
		submission.SourceCode,
		string(submission.Status),
		submission.CreatedAt,
		submission.CreatedAt,
	)
	return err
}

func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submission id is required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ?"
	var (
		s      model.Submission
		status string
	)
	err := r.db.QueryRow(ctx, query, submissionID).Scan(
		&s.ID, &s.UserID, &s.ProblemID, &s.LanguageID, &s.SourceCode, &status, &s.CreatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	parsed, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = parsed
	return &s, nil
}

// UpdateStatus only moves submissions that are still QUEUED or RUNNING;
// anything else fails with ErrSubmissionFinalized. Affected rows count
// matched rows (clientFoundRows), so RUNNING to RUNNING is not a miss.
func (r *MySQLSubmissionRepository) UpdateStatus(ctx context.Context, tx db.Transaction, submissionID string, status model.Status) error {
	query := "UPDATE submissions SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)"
	res, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		string(status),
		time.Now().UTC(),
		submissionID,
		string(model.StatusQueued),
		string(model.StatusRunning),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubmissionFinalized
	}
	return nil
}

func (r *MySQLSubmissionRepository) ListStale(ctx context.Context, status model.Status, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id FROM submissions WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?"
	rows, err := r.db.Query(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ SubmissionRepository = (*MySQLSubmissionRepository)(nil)
