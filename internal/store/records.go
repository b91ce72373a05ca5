// Package store persists immutable execution records in SQLite. The store
// is the default proof-anchoring collaborator and backs the audit listing
// on the HTTP surface.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"botforge/internal/logging"
)

// ExecutionRecord is the immutable result record handed to the proof
// collaborator after a bot task completes.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	BotID          string    `json:"bot_id"`
	UserID         string    `json:"user_id"`
	Specialization string    `json:"specialization"`
	Skill          string    `json:"skill"`
	FilesAnalyzed  int       `json:"files_analyzed"`
	FileList       []string  `json:"file_list"`
	IssuesFound    int       `json:"issues_found"`
	Provider       string    `json:"provider"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordStore is a SQLite-backed store for execution records.
type RecordStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewRecordStore initializes the SQLite database at the given path.
func NewRecordStore(path string) (*RecordStore, error) {
	logging.Store("Initializing RecordStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &RecordStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RecordStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_records (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			specialization TEXT NOT NULL,
			skill TEXT NOT NULL,
			files_analyzed INTEGER NOT NULL,
			file_list TEXT NOT NULL,
			issues_found INTEGER NOT NULL,
			provider TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_bot ON execution_records(bot_id);
		CREATE INDEX IF NOT EXISTS idx_records_created ON execution_records(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveRecord persists one execution record.
func (s *RecordStore) SaveRecord(rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileList, err := json.Marshal(rec.FileList)
	if err != nil {
		return fmt.Errorf("failed to marshal file list: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO execution_records
		(id, bot_id, user_id, specialization, skill, files_analyzed, file_list, issues_found, provider, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BotID, rec.UserID, rec.Specialization, rec.Skill,
		rec.FilesAnalyzed, string(fileList), rec.IssuesFound, rec.Provider,
		rec.Summary, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	logging.Store("saved record id=%s skill=%s provider=%s", rec.ID, rec.Skill, rec.Provider)
	return nil
}

// RecentRecords returns up to limit records, newest first.
func (s *RecordStore) RecentRecords(limit int) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, bot_id, user_id, specialization, skill, files_analyzed, file_list, issues_found, provider, summary, created_at
		FROM execution_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var fileList string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.BotID, &rec.UserID, &rec.Specialization,
			&rec.Skill, &rec.FilesAnalyzed, &fileList, &rec.IssuesFound,
			&rec.Provider, &rec.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fileList), &rec.FileList); err != nil {
			rec.FileList = nil
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
