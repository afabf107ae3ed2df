package repository

import (
	"context"
	"errors"
	"time"

	"codex/internal/common/cache"
	"codex/internal/common/db"
	"codex/internal/execution/model"
)

const (
	defaultCatalogCacheTTL      = 30 * time.Minute
	defaultCatalogCacheEmptyTTL = 5 * time.Minute
	problemCacheKeyPrefix       = "problem:"
	languageCacheKeyPrefix      = "language:"
)

// ProblemRepository reads problem limits.
type ProblemRepository interface {
	GetByID(ctx context.Context, problemID string) (*model.Problem, error)
	Exists(ctx context.Context, problemID string) (bool, error)
}

// LanguageRepository reads language runtimes.
type LanguageRepository interface {
	GetByID(ctx context.Context, languageID string) (*model.Language, error)
	Exists(ctx context.Context, languageID string) (bool, error)
}

// TestCaseRepository reads the ordered test set of a problem.
type TestCaseRepository interface {
	ListByProblem(ctx context.Context, problemID string) ([]*model.TestCase, error)
}

// MySQLProblemRepository reads problems through a Redis cache-aside layer.
// Problems change rarely and every execution reads one.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewProblemRepository creates a problem repository; cacheClient may be nil.
func NewProblemRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultCatalogCacheTTL
	}
	return &MySQLProblemRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: defaultCatalogCacheEmptyTTL}
}

func (r *MySQLProblemRepository) GetByID(ctx context.Context, problemID string) (*model.Problem, error) {
	if problemID == "" {
		return nil, errors.New("problem id is required")
	}
	var (
		p   *model.Problem
		err error
	)
	if r.cache != nil {
		p, err = cache.GetWithCached[*model.Problem](
			ctx,
			r.cache,
			problemCacheKeyPrefix+problemID,
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(p *model.Problem) bool { return p == nil },
			marshalCached[*model.Problem],
			unmarshalCached[model.Problem],
			func(ctx context.Context) (*model.Problem, error) { return r.load(ctx, problemID) },
		)
	} else {
		p, err = r.load(ctx, problemID)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProblemNotFound
	}
	return p, nil
}

// load returns nil, nil for a missing row so the miss can be cached.
func (r *MySQLProblemRepository) load(ctx context.Context, problemID string) (*model.Problem, error) {
	query := "SELECT id, title, time_limit_ms, memory_limit_mb FROM problems WHERE id = ?"
	var p model.Problem
	if err := r.db.QueryRow(ctx, query, problemID).Scan(&p.ID, &p.Title, &p.TimeLimitMs, &p.MemoryLimitMb); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *MySQLProblemRepository) Exists(ctx context.Context, problemID string) (bool, error) {
	_, err := r.GetByID(ctx, problemID)
	if errors.Is(err, ErrProblemNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MySQLLanguageRepository reads languages through the same cache-aside layer.
type MySQLLanguageRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewLanguageRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLLanguageRepository {
	if ttl <= 0 {
		ttl = defaultCatalogCacheTTL
	}
	return &MySQLLanguageRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: defaultCatalogCacheEmptyTTL}
}

func (r *MySQLLanguageRepository) GetByID(ctx context.Context, languageID string) (*model.Language, error) {
	if languageID == "" {
		return nil, errors.New("language id is required")
	}
	var (
		l   *model.Language
		err error
	)
	if r.cache != nil {
		l, err = cache.GetWithCached[*model.Language](
			ctx,
			r.cache,
			languageCacheKeyPrefix+languageID,
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(l *model.Language) bool { return l == nil },
			marshalCached[*model.Language],
			unmarshalCached[model.Language],
			func(ctx context.Context) (*model.Language, error) { return r.load(ctx, languageID) },
		)
	} else {
		l, err = r.load(ctx, languageID)
	}
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLanguageNotFound
	}
	return l, nil
}

func (r *MySQLLanguageRepository) load(ctx context.Context, languageID string) (*model.Language, error) {
	query := `
		SELECT id, name, version, docker_image, file_extension, compile_command, execute_command
		FROM languages WHERE id = ?
	`
	var l model.Language
	err := r.db.QueryRow(ctx, query, languageID).Scan(
		&l.ID, &l.Name, &l.Version, &l.Image, &l.FileExtension, &l.CompileCommand, &l.ExecuteCommand,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (r *MySQLLanguageRepository) Exists(ctx context.Context, languageID string) (bool, error) {
	_, err := r.GetByID(ctx, languageID)
	if errors.Is(err, ErrLanguageNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MySQLTestCaseRepository implements TestCaseRepository.
type MySQLTestCaseRepository struct {
	db db.Database
}

func NewTestCaseRepository(database db.Database) *MySQLTestCaseRepository {
	return &MySQLTestCaseRepository{db: database}
}

func (r *MySQLTestCaseRepository) ListByProblem(ctx context.Context, problemID string) ([]*model.TestCase, error) {
	query := `
		SELECT id, problem_id, input, expected_output, is_sample, ordinal
		FROM test_cases WHERE problem_id = ?
		ORDER BY ordinal, id
	`
	rows, err := r.db.Query(ctx, query, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Input, &tc.ExpectedOutput, &tc.IsSample, &tc.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, &tc)
	}
	return out, rows.Err()
}

var (
	_ ProblemRepository  = (*MySQLProblemRepository)(nil)
	_ LanguageRepository = (*MySQLLanguageRepository)(nil)
	_ TestCaseRepository = (*MySQLTestCaseRepository)(nil)
)
