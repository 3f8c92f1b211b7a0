// Package catalog persists package and model rows in a sqlite database and
// hands out per-worker transactional sessions. Rows are owned here and
// referenced by id everywhere else.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"

	"github.com/antonpaquin/citrine/internal/derrors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS package (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	active INTEGER NOT NULL,
	version TEXT,
	human_name TEXT,
	install_path TEXT NOT NULL,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS model (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	install_path TEXT NOT NULL,
	FOREIGN KEY (package_id) REFERENCES package(id),
	UNIQUE (package_id, name)
);
`

// Store manages the sqlite connection and creates sessions
type Store struct {
	db     *sql.DB
	logger arbor.ILogger

	initOnce sync.Once
	initErr  error
}

// Open connects to the catalog database and configures it. The schema is
// created lazily on first session.
func Open(logger arbor.ILogger, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	// modernc.org/sqlite registers under "sqlite" (not "sqlite3")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure catalog: %w", err)
	}

	logger.Info().Str("path", path).Msg("Catalog database initialized")
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// init creates the schema exactly once, no matter how many workers race to
// open their first session.
func (s *Store) init() error {
	s.initOnce.Do(func() {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			s.initErr = derrors.Wrap(derrors.Database, "failed to create catalog schema", err)
		}
	})
	return s.initErr
}

// Begin opens a transactional session. The caller owns it until Commit or
// Rollback; workers hold exactly one for the duration of a job.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to begin catalog transaction", err)
	}
	return &Session{tx: tx, logger: s.logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sessionCtxKey struct{}

// NewContext attaches a session to a context for the duration of a job
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sess)
}

// FromContext returns the session bound to this job's context
func FromContext(ctx context.Context) (*Session, error) {
	sess, ok := ctx.Value(sessionCtxKey{}).(*Session)
	if !ok {
		return nil, derrors.New(derrors.Internal, "no catalog session bound to this job")
	}
	return sess, nil
}
