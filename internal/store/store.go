package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/prognosis/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional session write finds the
	// session changed or no longer active.
	ErrConflict = errors.New("conflict")
)

// Store is the document store behind the practice services.
type Store interface {
	CaseCount(ctx context.Context) (int, error)
	ListCases(ctx context.Context) ([]model.Case, error)
	GetCase(ctx context.Context, id string) (model.Case, error)
	InsertCase(ctx context.Context, c model.Case) (string, error)
	DeleteAllCases(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, sess model.Session) (string, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]model.Session, error)
	ListCompletedSessions(ctx context.Context, since time.Time) ([]model.Session, error)
	UpdateTranscript(ctx context.Context, id string, version int64, transcript []model.Turn) error
	CompleteSession(ctx context.Context, id string, version int64, g model.Grade) error

	CreateUser(ctx context.Context, u model.User) (string, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByExternalUID(ctx context.Context, uid string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	Close() error
}

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// New opens (and migrates) the SQLite database at dbPath. ":memory:" gives a
// private in-memory database.
func New(dbPath string) (*SQLStore, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		dsn = dbPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL DEFAULT '',
		patient_name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		gender TEXT NOT NULL DEFAULT '',
		chief_complaint TEXT NOT NULL DEFAULT '',
		vitals TEXT NOT NULL DEFAULT '{}',
		history TEXT NOT NULL DEFAULT '',
		system_instruction TEXT NOT NULL DEFAULT '',
		correct_diagnosis TEXT NOT NULL,
		correct_treatment TEXT NOT NULL,
		case_type TEXT NOT NULL DEFAULT 'predefined',
		imaging TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		chat_history TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		diagnosis TEXT,
		treatment TEXT,
		score INTEGER,
		feedback TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		external_uid TEXT NOT NULL DEFAULT '',
		auth_provider TEXT NOT NULL DEFAULT 'password',
		role TEXT NOT NULL DEFAULT 'student',
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external ON users(external_uid) WHERE external_uid <> '';

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
