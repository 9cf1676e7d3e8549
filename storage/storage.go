// Package storage persists detected attacks to a relational store for
// later review, independent of the live in-memory/Redis state the proxy
// uses to make admission decisions.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// AttackLog is one persisted record of a request the pipeline flagged.
type AttackLog struct {
	ID          string
	Timestamp   time.Time
	SourceIP    string
	AttackType  string
	ThreatScore float64
	ActionTaken string
	Path        string
	Method      string
	UserAgent   string
	Metadata    map[string]any
}

// Store persists attack logs. Callers treat write failures as best-effort:
// the pipeline never blocks or fails a request because logging failed.
type Store interface {
	InsertAttackLog(ctx context.Context, log AttackLog) error
	Close() error
}

// SQLiteStore is a pure-Go (no cgo) SQLite-backed Store.
type SQLiteStore struct {
	db     *sql.DB
	log    *zap.Logger
	insert *sql.Stmt
}

// NewSQLiteStore opens dbPath (creating it if necessary), enables WAL mode
// for concurrent readers, and runs the attack_logs migration.
func NewSQLiteStore(dbPath string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO attack_logs
		(id, timestamp, source_ip, attack_type, threat_score, action_taken, path, method, user_agent, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: prepare insert: %w", err)
	}
	s.insert = insert

	if log != nil {
		log.Info("attack log storage initialized", zap.String("path", dbPath))
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS attack_logs (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		source_ip TEXT NOT NULL,
		attack_type TEXT,
		threat_score REAL NOT NULL,
		action_taken TEXT NOT NULL,
		path TEXT,
		method TEXT,
		user_agent TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_attack_logs_source_ip ON attack_logs(source_ip);
	CREATE INDEX IF NOT EXISTS idx_attack_logs_timestamp ON attack_logs(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertAttackLog writes log, assigning it an ID if it doesn't have one.
// Errors are returned to the caller, which is expected to log and swallow
// them rather than fail the request that triggered the log entry.
func (s *SQLiteStore) InsertAttackLog(ctx context.Context, log AttackLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(log.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.insert.ExecContext(ctx,
		log.ID,
		log.Timestamp,
		log.SourceIP,
		log.AttackType,
		log.ThreatScore,
		log.ActionTaken,
		log.Path,
		log.Method,
		log.UserAgent,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("storage: insert attack log: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.insert.Close()
	return s.db.Close()
}

// NoopStore discards every attack log. Used when no database_url is
// configured.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) InsertAttackLog(context.Context, AttackLog) error { return nil }
func (s *NoopStore) Close() error                                    { return nil }
