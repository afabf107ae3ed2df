package repository

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"codex/internal/common/db"
	"codex/internal/common/mq"
	"codex/internal/common/storage"
)

type execRecord struct {
	query string
	args  []interface{}
}

// fakeDB records statements and answers queries from scripted handlers.
type fakeDB struct {
	mu        sync.Mutex
	execs     []execRecord
	queryRows int
	rowFn     func(query string, args []interface{}) db.Row
	rowsFn    func(query string, args []interface{}) (db.Rows, error)
	execErrOn string
	// statuses, when set, backs conditional submission status updates.
	statuses  map[string]string
	commits   int
	rollbacks int
}

func (f *fakeDB) Query(_ context.Context, query string, args ...interface{}) (db.Rows, error) {
	if f.rowsFn == nil {
		return &fakeRows{}, nil
	}
	return f.rowsFn(query, args)
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...interface{}) db.Row {
	f.mu.Lock()
	f.queryRows++
	f.mu.Unlock()
	if f.rowFn == nil {
		return fakeRow{err: sql.ErrNoRows}
	}
	return f.rowFn(query, args)
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErrOn != "" && strings.Contains(query, f.execErrOn) {
		return nil, fmt.Errorf("exec failed: %s", f.execErrOn)
	}
	normalized := strings.Join(strings.Fields(query), " ")
	f.execs = append(f.execs, execRecord{query: normalized, args: args})
	if f.statuses != nil && strings.HasPrefix(normalized, "UPDATE submissions SET status") {
		id := args[2].(string)
		current, ok := f.statuses[id]
		if !ok || (current != args[3] && current != args[4]) {
			return fakeResult(0), nil
		}
		f.statuses[id] = args[0].(string)
	}
	return fakeResult(1), nil
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	tx := &fakeTx{db: f}
	if err := fn(tx); err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }

func (f *fakeDB) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.execs))
	for _, e := range f.execs {
		out = append(out, e.query)
	}
	return out
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return t.db.Query(ctx, query, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return t.db.QueryRow(ctx, query, args...)
}
func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return t.db.Exec(ctx, query, args...)
}
func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]interface{}
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

func assign(dest, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakePublisher struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}
func (p *fakePublisher) Ping(context.Context) error { return nil }
func (p *fakePublisher) Close() error               { return nil }

type memoryStorage struct {
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: map[string][]byte{}}
}

func (m *memoryStorage) EnsureBucket(context.Context, string) error { return nil }

func (m *memoryStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memoryStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("object %s not found", key)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}
