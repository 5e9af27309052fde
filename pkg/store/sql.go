package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// SQLStore is a SQL-backed InstanceStore. It works with any
// database/sql compatible driver (PostgreSQL, MySQL, SQLite).
// Requires a table with schema:
//
//	CREATE TABLE statewire_instances (
//	    id VARCHAR(64) PRIMARY KEY,
//	    token BYTEA NOT NULL,
//	    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
//	    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
//	    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
//	CREATE INDEX idx_statewire_instances_expires ON statewire_instances(expires_at);
type SQLStore struct {
	db              *sql.DB
	tableName       string
	dialect         SQLDialect
	cleanupInterval time.Duration
	done            chan struct{}

	mu     sync.RWMutex
	closed bool
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName       string
	dialect         SQLDialect
	cleanupInterval time.Duration
}

// WithSQLTableName sets the table name. Default: "statewire_instances".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect. Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// WithSQLCleanupInterval sets how often expired rows are removed.
// Default: 5 minutes.
func WithSQLCleanupInterval(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.cleanupInterval = d
	}
}

// NewSQLStore creates a new SQL-backed instance store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName:       "statewire_instances",
		dialect:         DialectPostgreSQL,
		cleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &SQLStore{
		db:              db,
		tableName:       cfg.tableName,
		dialect:         cfg.dialect,
		cleanupInterval: cfg.cleanupInterval,
		done:            make(chan struct{}),
	}

	go s.cleanupLoop()
	return s
}

func (s *SQLStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *SQLStore) placeholder(n int) string {
	switch s.dialect {
	case DialectPostgreSQL:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return fmt.Sprintf(`
			INSERT INTO %s (id, token, expires_at, updated_at)
			VALUES (?, ?, ?, NOW())
			ON DUPLICATE KEY UPDATE
				token = VALUES(token),
				expires_at = VALUES(expires_at),
				updated_at = NOW()
		`, s.tableName)
	case DialectSQLite:
		return fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (id, token, expires_at, updated_at)
			VALUES (?, ?, ?, datetime('now'))
		`, s.tableName)
	default:
		return fmt.Sprintf(`
			INSERT INTO %s (id, token, expires_at, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (id) DO UPDATE SET
				token = EXCLUDED.token,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()
		`, s.tableName)
	}
}

// Save stores a snapshot token with an expiration time.
func (s *SQLStore) Save(ctx context.Context, instanceID string, token []byte, expiresAt time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}
	_, err := s.db.ExecContext(ctx, s.upsertQuery(), instanceID, token, expiresAt)
	return err
}

// Load retrieves a snapshot token if present and not expired.
func (s *SQLStore) Load(ctx context.Context, instanceID string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed{}
	}

	var query string
	switch s.dialect {
	case DialectSQLite:
		query = fmt.Sprintf(`
			SELECT token FROM %s
			WHERE id = ? AND expires_at > datetime('now')
		`, s.tableName)
	case DialectMySQL:
		query = fmt.Sprintf(`
			SELECT token FROM %s
			WHERE id = ? AND expires_at > NOW()
		`, s.tableName)
	default:
		query = fmt.Sprintf(`
			SELECT token FROM %s
			WHERE id = $1 AND expires_at > NOW()
		`, s.tableName)
	}

	var token []byte
	err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return token, nil
}

// Delete removes a snapshot from the database.
func (s *SQLStore) Delete(ctx context.Context, instanceID string) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.tableName, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, instanceID)
	return err
}

// Touch updates the expiration time for a snapshot.
func (s *SQLStore) Touch(ctx context.Context, instanceID string, expiresAt time.Time) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	var query string
	switch s.dialect {
	case DialectSQLite:
		query = fmt.Sprintf(`
			UPDATE %s SET expires_at = ?, updated_at = datetime('now')
			WHERE id = ?
		`, s.tableName)
	case DialectMySQL:
		query = fmt.Sprintf(`
			UPDATE %s SET expires_at = ?, updated_at = NOW()
			WHERE id = ?
		`, s.tableName)
	default:
		query = fmt.Sprintf(`
			UPDATE %s SET expires_at = $1, updated_at = NOW()
			WHERE id = $2
		`, s.tableName)
	}

	_, err := s.db.ExecContext(ctx, query, expiresAt, instanceID)
	return err
}

// SaveAll saves multiple snapshots using a transaction.
func (s *SQLStore) SaveAll(ctx context.Context, snapshots map[string]Entry) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.upsertQuery()
	for id, e := range snapshots {
		if _, err := tx.ExecContext(ctx, query, id, e.Token, e.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the cleanup loop. The caller owns the *sql.DB and is
// responsible for closing it.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *SQLStore) cleanupExpired() {
	var query string
	switch s.dialect {
	case DialectSQLite:
		query = fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= datetime('now')`, s.tableName)
	default:
		query = fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.tableName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.db.ExecContext(ctx, query)
}
