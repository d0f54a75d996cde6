// Package history records the outcomes of commands run on each engine so
// that they can be fetched again later by index (GETRESULT).
//
// Entries are keyed by engine id and session. A new engine given a freed
// id starts with an empty history.
//
// Entries live in SQLite. The default path ":memory:" keeps them for the
// lifetime of the controller process only.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath is the path of a process-local database.
const MemoryPath = ":memory:"

// Config holds history store configuration.
type Config struct {
	// Path is the SQLite database path.
	Path string

	// Limit is the number of entries kept per engine. Zero keeps all.
	Limit int
}

// Entry is one recorded command outcome.
type Entry struct {
	EngineID  int
	Session   string
	Index     int
	Op        string
	Summary   string
	Failed    bool
	Values    []serial.NamedValue
	Submitted time.Time
	Completed time.Time
}

// Store is the SQLite-backed history.
type Store struct {
	db    *sql.DB
	path  string
	limit int

	// mu serializes index allocation.
	mu sync.Mutex
}

// NewStore creates a store. Call Init and Migrate before use, or use Open.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = MemoryPath
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("history limit must not be negative, got %d", cfg.Limit)
	}
	return &Store{path: cfg.Path, limit: cfg.Limit}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection.
func (s *Store) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}

	if s.path == MemoryPath {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping history database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("history database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record appends an entry for the engine session and returns its index.
// Indices start at zero per session.
func (s *Store) Record(ctx context.Context, e *Entry) (int, error) {
	raw, err := serial.Marshal(e.Values)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.CodeSerializationError, "cannot encode history entry", err)
	}
	codec, payload := compress(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM results WHERE engine_id = ? AND session = ?`,
		e.EngineID, e.Session,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate history index: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (engine_id, session, idx, op, summary, failed, codec, raw_size, payload, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EngineID,
		e.Session,
		next,
		e.Op,
		e.Summary,
		e.Failed,
		codec,
		len(raw),
		payload,
		e.Submitted.UTC(),
		e.Completed.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record history entry: %w", err)
	}

	if s.limit > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM results WHERE engine_id = ? AND session = ? AND idx <= ?`,
			e.EngineID, e.Session, next-s.limit)
		if err != nil {
			return 0, fmt.Errorf("failed to prune history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit history entry: %w", err)
	}
	e.Index = next
	return next, nil
}

// Get returns entry index of the engine session. A negative index selects
// the most recent entry.
func (s *Store) Get(ctx context.Context, engineID int, session string, index int) (*Entry, error) {
	query := `
		SELECT idx, op, summary, failed, codec, raw_size, payload, submitted_at, completed_at
		FROM results
		WHERE engine_id = ? AND session = ? AND idx = ?
	`
	args := []any{engineID, session, index}
	if index < 0 {
		query = `
			SELECT idx, op, summary, failed, codec, raw_size, payload, submitted_at, completed_at
			FROM results
			WHERE engine_id = ? AND session = ?
			ORDER BY idx DESC
			LIMIT 1
		`
		args = args[:2]
	}

	e := &Entry{EngineID: engineID, Session: session}
	var (
		codec   string
		rawSize int
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.Index,
		&e.Op,
		&e.Summary,
		&e.Failed,
		&codec,
		&rawSize,
		&payload,
		&e.Submitted,
		&e.Completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if index < 0 {
			return nil, errdefs.Newf(errdefs.CodeKeyError, "engine %d has no results", engineID).WithEngine(engineID)
		}
		return nil, errdefs.Newf(errdefs.CodeKeyError, "engine %d has no result %d", engineID, index).WithEngine(engineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history entry: %w", err)
	}

	raw, err := decompress(codec, payload, rawSize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSerializationError, "corrupt history entry", err)
	}
	if err := serial.Unmarshal(raw, &e.Values); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSerializationError, "corrupt history entry", err)
	}
	return e, nil
}

// Count returns the number of entries kept for the engine session.
func (s *Store) Count(ctx context.Context, engineID int, session string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE engine_id = ? AND session = ?`, engineID, session,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("history database not initialized")
	}
	return s.db.PingContext(ctx)
}
