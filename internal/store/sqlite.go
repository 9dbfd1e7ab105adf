package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a read-through view over the persisted accounts plus the
// analytics tables. Account reads are served from an in-memory map that is
// updated synchronously by every mutator; the matching row updates are
// enqueued on the async writer.
type Store struct {
	db     *sql.DB
	writer *AsyncWriter

	mu       sync.RWMutex
	accounts map[string]*Account

	sessionDuration time.Duration
}

// Options tunes store behaviour.
type Options struct {
	SessionDuration time.Duration
	QueueSize       int
}

func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if opts.SessionDuration <= 0 {
		opts.SessionDuration = 5 * time.Hour
	}

	s := &Store{
		db:              db,
		accounts:        make(map[string]*Account),
		sessionDuration: opts.SessionDuration,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadAccounts(); err != nil {
		db.Close()
		return nil, err
	}

	s.writer = NewAsyncWriter(db, opts.QueueSize)
	s.writer.Start()

	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT 'anthropic',
			api_key TEXT,
			refresh_token TEXT,
			access_token TEXT,
			expires_at INTEGER,
			created_at INTEGER,
			request_count INTEGER DEFAULT 0,
			total_requests INTEGER DEFAULT 0,
			last_used INTEGER,
			session_start INTEGER,
			session_request_count INTEGER DEFAULT 0,
			rate_limited_until INTEGER,
			rate_limit_reset INTEGER,
			rate_limit_status TEXT,
			rate_limit_remaining INTEGER,
			tier TEXT,
			paused INTEGER DEFAULT 0,
			priority INTEGER DEFAULT 0,
			auto_fallback_enabled INTEGER DEFAULT 1,
			auto_refresh_enabled INTEGER DEFAULT 0,
			custom_endpoint TEXT,
			model_mappings TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_provider ON accounts(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_priority ON accounts(priority)`,

		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			id TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			code_verifier TEXT NOT NULL,
			challenge TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			account_id TEXT,
			method TEXT,
			path TEXT,
			timestamp INTEGER,
			status_code INTEGER,
			success INTEGER,
			error_message TEXT,
			model TEXT,
			input_tokens INTEGER DEFAULT 0,
			cache_read_input_tokens INTEGER DEFAULT 0,
			cache_creation_input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			agent_used TEXT,
			failover_attempts INTEGER DEFAULT 0,
			is_stream INTEGER DEFAULT 0,
			provider TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_account ON requests(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,

		`CREATE TABLE IF NOT EXISTS request_payloads (
			id TEXT PRIMARY KEY,
			request_headers TEXT,
			request_body TEXT,
			response_status INTEGER,
			response_headers TEXT,
			response_body TEXT,
			created_at INTEGER
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// GetDB exposes the raw handle for analytics queries.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Flush blocks until all enqueued writes have been executed.
func (s *Store) Flush() {
	s.writer.Flush()
}

func (s *Store) Close() error {
	s.writer.Stop()
	return s.db.Close()
}

// enqueue schedules a DB write on the async writer.
func (s *Store) enqueue(desc string, fn func(db *sql.DB) error) {
	s.writer.Enqueue(desc, fn)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
