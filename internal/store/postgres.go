// Package store provides storage backends for ChatPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSettings() (*models.ChatbotSettings, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSettings not found")
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSettings failed", "error", err)
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	return decodeSettings(data)
}

func (s *PostgresStore) SaveSettings(settings models.ChatbotSettings) error {
	data, err := encodeJSON(settings)
	if err != nil {
		slog.Error("PostgresStore SaveSettings marshal failed", "error", err)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO settings (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	if err != nil {
		slog.Error("PostgresStore SaveSettings failed", "error", err)
		return fmt.Errorf("failed to save settings: %w", err)
	}
	slog.Debug("PostgresStore SaveSettings succeeded")
	return nil
}

func (s *PostgresStore) GetActiveSession(phone, account string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, account, flow_id, current_step, data, status, version, created_at, last_activity_at
		FROM sessions WHERE phone_number = $1 AND account = $2 AND status = $3`,
		phone, account, models.SessionStatusActive)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetActiveSession not found", "phone", phone, "account", account)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateSession(sess models.Session) error {
	data, err := encodeJSON(sess.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, phone_number, account, flow_id, current_step, data, status, version, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.PhoneNumber, sess.Account, sess.FlowID, sess.CurrentStep,
		data, sess.Status, sess.Version, sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		// 23505 is unique_violation: the partial unique index rejected a
		// second Active session per pair. Anything else stays visible.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			slog.Debug("PostgresStore CreateSession rejected, session already active", "phone", sess.PhoneNumber)
			return models.ErrSessionConflict
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "phone", sess.PhoneNumber)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "id", sess.ID, "phone", sess.PhoneNumber)
	return nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	data, err := encodeJSON(sess.Data)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions SET flow_id = $1, current_step = $2, data = $3, status = $4, version = version + 1, last_activity_at = $5
		WHERE id = $6 AND version = $7`,
		sess.FlowID, sess.CurrentStep, data, sess.Status, sess.LastActivityAt,
		sess.ID, sess.Version)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Warn("PostgresStore SaveSession version conflict", "id", sess.ID, "version", sess.Version)
		return models.ErrSessionConflict
	}
	slog.Debug("PostgresStore SaveSession succeeded", "id", sess.ID, "step", sess.CurrentStep)
	return nil
}

func (s *PostgresStore) AppendSessionMessage(sessionID string, m models.SessionMessage) error {
	_, err := s.db.Exec(`INSERT INTO session_messages (session_id, direction, text, step, time) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, m.Direction, m.Text, nilIfEmpty(m.Step), m.Time)
	if err != nil {
		slog.Error("PostgresStore AppendSessionMessage failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append session message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionHistory(phone, account string, limit int) ([]models.SessionMessage, error) {
	rows, err := s.db.Query(`SELECT direction, text, step, time FROM session_messages
		WHERE session_id IN (SELECT id FROM sessions WHERE phone_number = $1 AND account = $2)
		ORDER BY seq DESC LIMIT $3`, phone, account, limit)
	if err != nil {
		slog.Error("PostgresStore GetSessionHistory query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()
	return scanSessionMessages(rows)
}

func (s *PostgresStore) ExpireIdleSessions(ttl time.Duration, now time.Time, batch int) (int, error) {
	cutoff := now.Add(-ttl)
	res, err := s.db.Exec(`UPDATE sessions SET status = $1, version = version + 1
		WHERE id IN (
			SELECT id FROM sessions WHERE status = $2 AND last_activity_at < $3
			ORDER BY last_activity_at LIMIT $4
		)`,
		models.SessionStatusExpired, models.SessionStatusActive, cutoff, batch)
	if err != nil {
		slog.Error("PostgresStore ExpireIdleSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("PostgresStore ExpireIdleSessions succeeded", "expired", n)
	return int(n), nil
}

func (s *PostgresStore) ListKeywordRules() ([]models.KeywordRule, error) {
	rows, err := s.db.Query(`SELECT id, trigger_text, mode, priority, response FROM keyword_rules ORDER BY seq`)
	if err != nil {
		slog.Error("PostgresStore ListKeywordRules query failed", "error", err)
		return nil, fmt.Errorf("failed to query keyword rules: %w", err)
	}
	defer rows.Close()
	return scanKeywordRules(rows)
}

func (s *PostgresStore) SaveKeywordRule(r models.KeywordRule) error {
	response, err := encodeJSON(r.Response)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO keyword_rules (id, trigger_text, mode, priority, response) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET trigger_text = EXCLUDED.trigger_text, mode = EXCLUDED.mode, priority = EXCLUDED.priority, response = EXCLUDED.response`,
		r.ID, r.Trigger, nilIfEmpty(string(r.Mode)), r.Priority, response)
	if err != nil {
		slog.Error("PostgresStore SaveKeywordRule failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to save keyword rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT data FROM flows ORDER BY seq`)
	if err != nil {
		slog.Error("PostgresStore ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM flows WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlow not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query flow %s: %w", id, err)
	}
	return decodeFlow(data)
}

func (s *PostgresStore) SaveFlow(f models.Flow) error {
	data, err := encodeJSON(f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, f.ID, data)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListAIContexts() ([]models.AIContext, error) {
	rows, err := s.db.Query(`SELECT data FROM ai_contexts ORDER BY seq`)
	if err != nil {
		slog.Error("PostgresStore ListAIContexts query failed", "error", err)
		return nil, fmt.Errorf("failed to query AI contexts: %w", err)
	}
	defer rows.Close()
	return scanAIContexts(rows)
}

// SaveAIContext adds or replaces a context entry.
func (s *PostgresStore) SaveAIContext(c models.AIContext) error {
	data, err := encodeJSON(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO ai_contexts (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, c.ID, data)
	if err != nil {
		slog.Error("PostgresStore SaveAIContext failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save AI context %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) QueryContextRecords(collection string, fields []string, limit int) ([]map[string]string, error) {
	if limit <= 0 || limit > models.MaxContextRecords {
		limit = models.MaxContextRecords
	}
	rows, err := s.db.Query(`SELECT data FROM context_records WHERE collection = $1 ORDER BY seq LIMIT $2`, collection, limit)
	if err != nil {
		slog.Error("PostgresStore QueryContextRecords query failed", "error", err, "collection", collection)
		return nil, fmt.Errorf("failed to query context records: %w", err)
	}
	defer rows.Close()
	return scanContextRecords(rows, fields)
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	structured, err := encodeJSON(m.Structured)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, sender, recipient, text, content_type, account, direction, structured, skip_routing, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.From, nilIfEmpty(m.To), m.Text, m.ContentType, m.Account, m.Direction, structured, m.SkipRouting, m.Time)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "id", m.ID, "direction", m.Direction)
	return nil
}

func (s *PostgresStore) GetMessages(phone string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, sender, recipient, text, content_type, account, direction, structured, skip_routing, time
		FROM messages WHERE sender = $1 OR recipient = $1 ORDER BY seq DESC LIMIT $2`, phone, limit)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
