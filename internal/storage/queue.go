package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/radarbase/statusagent/internal/topic"
	"github.com/radarbase/statusagent/pkg/records"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDBDirName  = ".statusagent"
	defaultDBFileName = "records.sqlite"
	recordTableName   = "status_records"
)

// Row is one queued record as stored on disk.
type Row struct {
	ID        int64           `json:"id"`
	Stream    string          `json:"stream"`
	Schema    string          `json:"schema"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is a durable, append-only record queue in a local SQLite file. An
// upload subsystem drains it; the queue only guarantees the local enqueue.
type Queue struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	insert *sql.Stmt
}

// Open opens (and creates when needed) the queue database at path. An empty
// path resolves to ~/.statusagent/records.sqlite.
func Open(path string) (*Queue, error) {
	dbPath, err := ResolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(`INSERT INTO ` + recordTableName +
		` (stream, schema_name, record_time, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: prepare sqlite insert failed")
	}
	log.Debug().Str("db_path", dbPath).Msg("storage: record queue opened")
	return &Queue{path: dbPath, db: db, insert: stmt}, nil
}

// ResolveDatabasePath returns custom when set, or the default location under
// the user's home. The parent directory is created.
func ResolveDatabasePath(custom string) (string, error) {
	if custom = strings.TrimSpace(custom); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", dir)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + recordTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream TEXT NOT NULL,
			schema_name TEXT NOT NULL,
			record_time INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + recordTableName + `_stream ON ` + recordTableName + ` (stream, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

// Put appends rec to the stream of t.
func (q *Queue) Put(ctx context.Context, t *topic.Topic, rec records.Record) error {
	if t == nil {
		return errors.New("storage: nil topic")
	}
	if rec == nil {
		return errors.Errorf("storage: nil record for %s", t.Name)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "storage: marshal %s record failed", t.Name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return errors.New("storage: queue closed")
	}
	_, err = q.insert.ExecContext(ctx,
		t.Name,
		t.Schema,
		rec.Timestamp().UnixMilli(),
		string(payload),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "storage: insert %s record failed", t.Name)
	}
	return nil
}

// Count returns the number of queued records in stream, or in all streams
// when stream is empty.
func (q *Queue) Count(ctx context.Context, stream string) (int64, error) {
	db, err := q.handle()
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + recordTableName
	var args []any
	if stream != "" {
		query += ` WHERE stream = ?`
		args = append(args, stream)
	}
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "storage: count records failed")
	}
	return n, nil
}

// Streams returns the number of queued records per stream.
func (q *Queue) Streams(ctx context.Context) (map[string]int64, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT stream, COUNT(*) FROM `+recordTableName+` GROUP BY stream`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query streams failed")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, errors.Wrap(err, "storage: scan stream count failed")
		}
		out[name] = n
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate streams failed")
}

// Recent returns up to limit of the newest records, newest first. An empty
// stream matches all streams.
func (q *Queue) Recent(ctx context.Context, stream string, limit int) ([]Row, error) {
	if limit <= 0 {
		return nil, nil
	}
	db, err := q.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, stream, schema_name, record_time, payload, created_at FROM ` + recordTableName
	var args []any
	if stream != "" {
		query += ` WHERE stream = ?`
		args = append(args, stream)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query recent records failed")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row       Row
			recordMs  int64
			createdMs int64
			payload   string
		)
		if err := rows.Scan(&row.ID, &row.Stream, &row.Schema, &recordMs, &payload, &createdMs); err != nil {
			return nil, errors.Wrap(err, "storage: scan record failed")
		}
		row.Time = time.UnixMilli(recordMs)
		row.CreatedAt = time.UnixMilli(createdMs)
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate records failed")
}

func (q *Queue) handle() (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil, errors.New("storage: queue closed")
	}
	return q.db, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	if q.insert != nil {
		if err := q.insert.Close(); err != nil {
			log.Warn().Err(err).Msg("storage: close insert statement failed")
		}
	}
	err := q.db.Close()
	q.db = nil
	q.insert = nil
	return errors.Wrap(err, "storage: close sqlite database failed")
}

// Name returns the database path.
func (q *Queue) Name() string {
	if q == nil || q.path == "" {
		return "sqlite"
	}
	return q.path
}
