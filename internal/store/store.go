// Package store is the single source of truth for all persisted entities.
//
// It opens one embedded sqlite database, runs numbered goose migrations at
// startup, and exposes per-entity managers. Managers are the only writers of
// their tables; everything else goes through them.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store bundles the database handle and the entity managers.
type Store struct {
	db     *sqlx.DB
	logger logging.Logger

	Projects  *Projects
	Sessions  *Sessions
	Tasks     *Tasks
	Workflows *WorkflowStates
	Audit     *Audit
	Runs      *AgentRuns
	Worktrees *Worktrees
	Clones    *Clones
	Messages  *Messages
}

// Option configures the store.
type Option func(*Store)

// WithLogger overrides the default component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (creating if necessary) the sqlite database at path and runs
// pending migrations. A schema ahead of this binary fails fast.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "open database")
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent managers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logging.NewComponentLogger("Store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.Projects = &Projects{db: db, logger: s.logger}
	s.Sessions = &Sessions{db: db, logger: s.logger}
	s.Tasks = &Tasks{db: db, logger: s.logger}
	s.Workflows = &WorkflowStates{db: db, logger: s.logger}
	s.Audit = &Audit{db: db, logger: s.logger}
	s.Runs = &AgentRuns{db: db, logger: s.logger}
	s.Worktrees = &Worktrees{db: db, logger: s.logger}
	s.Clones = &Clones{db: db, logger: s.logger}
	s.Messages = &Messages{db: db, logger: s.logger}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "set migration dialect")
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "run migrations")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only diagnostics. Writers must use managers.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error or panic so no
// partial state persists.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = gerrors.Wrap(gerrors.KindIntegrity, commitErr, "commit tx")
		}
	}()
	return fn(tx)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
