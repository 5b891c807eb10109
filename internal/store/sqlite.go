// Package store provides storage backends for ChatPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the directory is
// created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSettings() (*models.ChatbotSettings, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSettings not found")
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSettings failed", "error", err)
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	return decodeSettings(data)
}

func (s *SQLiteStore) SaveSettings(settings models.ChatbotSettings) error {
	data, err := encodeJSON(settings)
	if err != nil {
		slog.Error("SQLiteStore SaveSettings marshal failed", "error", err)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO settings (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		slog.Error("SQLiteStore SaveSettings failed", "error", err)
		return fmt.Errorf("failed to save settings: %w", err)
	}
	slog.Debug("SQLiteStore SaveSettings succeeded")
	return nil
}

func (s *SQLiteStore) GetActiveSession(phone, account string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, account, flow_id, current_step, data, status, version, created_at, last_activity_at
		FROM sessions WHERE phone_number = ? AND account = ? AND status = ?`,
		phone, account, models.SessionStatusActive)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetActiveSession not found", "phone", phone, "account", account)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(sess models.Session) error {
	data, err := encodeJSON(sess.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, phone_number, account, flow_id, current_step, data, status, version, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PhoneNumber, sess.Account, sess.FlowID, sess.CurrentStep,
		data, sess.Status, sess.Version, sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		// The partial unique index rejects a second Active session per pair;
		// anything else is a real database failure and must stay visible.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore CreateSession rejected, session already active", "phone", sess.PhoneNumber)
			return models.ErrSessionConflict
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "phone", sess.PhoneNumber)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "id", sess.ID, "phone", sess.PhoneNumber)
	return nil
}

func (s *SQLiteStore) SaveSession(sess models.Session) error {
	data, err := encodeJSON(sess.Data)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions SET flow_id = ?, current_step = ?, data = ?, status = ?, version = version + 1, last_activity_at = ?
		WHERE id = ? AND version = ?`,
		sess.FlowID, sess.CurrentStep, data, sess.Status, sess.LastActivityAt,
		sess.ID, sess.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Warn("SQLiteStore SaveSession version conflict", "id", sess.ID, "version", sess.Version)
		return models.ErrSessionConflict
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "id", sess.ID, "step", sess.CurrentStep)
	return nil
}

func (s *SQLiteStore) AppendSessionMessage(sessionID string, m models.SessionMessage) error {
	_, err := s.db.Exec(`INSERT INTO session_messages (session_id, direction, text, step, time) VALUES (?, ?, ?, ?, ?)`,
		sessionID, m.Direction, m.Text, nilIfEmpty(m.Step), m.Time)
	if err != nil {
		slog.Error("SQLiteStore AppendSessionMessage failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append session message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionHistory(phone, account string, limit int) ([]models.SessionMessage, error) {
	rows, err := s.db.Query(`SELECT direction, text, step, time FROM session_messages
		WHERE session_id IN (SELECT id FROM sessions WHERE phone_number = ? AND account = ?)
		ORDER BY seq DESC LIMIT ?`, phone, account, limit)
	if err != nil {
		slog.Error("SQLiteStore GetSessionHistory query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()
	return scanSessionMessages(rows)
}

func (s *SQLiteStore) ExpireIdleSessions(ttl time.Duration, now time.Time, batch int) (int, error) {
	cutoff := now.Add(-ttl)
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, version = version + 1
		WHERE id IN (
			SELECT id FROM sessions WHERE status = ? AND last_activity_at < ?
			ORDER BY last_activity_at LIMIT ?
		)`,
		models.SessionStatusExpired, models.SessionStatusActive, cutoff, batch)
	if err != nil {
		slog.Error("SQLiteStore ExpireIdleSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore ExpireIdleSessions succeeded", "expired", n)
	return int(n), nil
}

func (s *SQLiteStore) ListKeywordRules() ([]models.KeywordRule, error) {
	rows, err := s.db.Query(`SELECT id, trigger_text, mode, priority, response FROM keyword_rules ORDER BY seq`)
	if err != nil {
		slog.Error("SQLiteStore ListKeywordRules query failed", "error", err)
		return nil, fmt.Errorf("failed to query keyword rules: %w", err)
	}
	defer rows.Close()
	return scanKeywordRules(rows)
}

func (s *SQLiteStore) SaveKeywordRule(r models.KeywordRule) error {
	response, err := encodeJSON(r.Response)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO keyword_rules (id, trigger_text, mode, priority, response) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET trigger_text = excluded.trigger_text, mode = excluded.mode, priority = excluded.priority, response = excluded.response`,
		r.ID, r.Trigger, nilIfEmpty(string(r.Mode)), r.Priority, response)
	if err != nil {
		slog.Error("SQLiteStore SaveKeywordRule failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to save keyword rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT data FROM flows ORDER BY seq`)
	if err != nil {
		slog.Error("SQLiteStore ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM flows WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlow not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query flow %s: %w", id, err)
	}
	return decodeFlow(data)
}

func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	data, err := encodeJSON(f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, f.ID, data)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAIContexts() ([]models.AIContext, error) {
	rows, err := s.db.Query(`SELECT data FROM ai_contexts ORDER BY seq`)
	if err != nil {
		slog.Error("SQLiteStore ListAIContexts query failed", "error", err)
		return nil, fmt.Errorf("failed to query AI contexts: %w", err)
	}
	defer rows.Close()
	return scanAIContexts(rows)
}

// SaveAIContext adds or replaces a context entry.
func (s *SQLiteStore) SaveAIContext(c models.AIContext) error {
	data, err := encodeJSON(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO ai_contexts (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, c.ID, data)
	if err != nil {
		slog.Error("SQLiteStore SaveAIContext failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save AI context %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) QueryContextRecords(collection string, fields []string, limit int) ([]map[string]string, error) {
	if limit <= 0 || limit > models.MaxContextRecords {
		limit = models.MaxContextRecords
	}
	rows, err := s.db.Query(`SELECT data FROM context_records WHERE collection = ? ORDER BY seq LIMIT ?`, collection, limit)
	if err != nil {
		slog.Error("SQLiteStore QueryContextRecords query failed", "error", err, "collection", collection)
		return nil, fmt.Errorf("failed to query context records: %w", err)
	}
	defer rows.Close()
	return scanContextRecords(rows, fields)
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	structured, err := encodeJSON(m.Structured)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, sender, recipient, text, content_type, account, direction, structured, skip_routing, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, nilIfEmpty(m.To), m.Text, m.ContentType, m.Account, m.Direction, structured, m.SkipRouting, m.Time)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "id", m.ID, "direction", m.Direction)
	return nil
}

func (s *SQLiteStore) GetMessages(phone string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, sender, recipient, text, content_type, account, direction, structured, skip_routing, time
		FROM messages WHERE sender = ? OR recipient = ? ORDER BY seq DESC LIMIT ?`, phone, phone, limit)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
