package repository

import (
	"context"
	"database/sql"
	"errors"

	"codex/internal/common/db"
	"codex/internal/execution/model"
	pagination "codex/pkg/repository"
)

// HistoryRepository lists a user's past submissions and problem progress.
type HistoryRepository interface {
	ListSubmissions(ctx context.Context, userID string, opts pagination.ListOptions) ([]*model.Submission, int64, error)
	ListProblemStatuses(ctx context.Context, userID string) ([]*model.UserProblemStatus, error)
}

type MySQLHistoryRepository struct {
	db db.Database
}

func NewHistoryRepository(database db.Database) *MySQLHistoryRepository {
	return &MySQLHistoryRepository{db: database}
}

// ListSubmissions returns newest first. Source code is not loaded.
func (r *MySQLHistoryRepository) ListSubmissions(ctx context.Context, userID string, opts pagination.ListOptions) ([]*model.Submission, int64, error) {
	if userID == "" {
		return nil, 0, errors.New("user id is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM submissions WHERE user_id = ?", userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []*model.Submission{}, 0, nil
	}

	query := `
		SELECT id, user_id, problem_id, language_id, status, created_at
		FROM submissions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`
	rows, err := r.db.Query(ctx, query, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*model.Submission, 0, opts.Limit)
	for rows.Next() {
		var (
			s      model.Submission
			status string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.ProblemID, &s.LanguageID, &status, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		if s.Status, err = model.ParseStatus(status); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *MySQLHistoryRepository) ListProblemStatuses(ctx context.Context, userID string) ([]*model.UserProblemStatus, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	query := "SELECT problem_id, status, solved_at FROM user_problem_status WHERE user_id = ? ORDER BY problem_id"
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.UserProblemStatus, 0)
	for rows.Next() {
		var (
			ps       = model.UserProblemStatus{UserID: userID}
			state    string
			solvedAt sql.NullTime
		)
		if err := rows.Scan(&ps.ProblemID, &state, &solvedAt); err != nil {
			return nil, err
		}
		ps.Status = model.UserProblemState(state)
		if solvedAt.Valid {
			t := solvedAt.Time
			ps.SolvedAt = &t
		}
		out = append(out, &ps)
	}
	return out, rows.Err()
}

var _ HistoryRepository = (*MySQLHistoryRepository)(nil)
