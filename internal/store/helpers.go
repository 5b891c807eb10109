package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty maps an empty string to NULL for nullable text columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(b), nil
}

func decodeSettings(data string) (*models.ChatbotSettings, error) {
	var settings models.ChatbotSettings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

func decodeFlow(data string) (*models.Flow, error) {
	var flow models.Flow
	if err := json.Unmarshal([]byte(data), &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return &flow, nil
}

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var data sql.NullString
	err := row.Scan(&sess.ID, &sess.PhoneNumber, &sess.Account, &sess.FlowID,
		&sess.CurrentStep, &data, &sess.Status, &sess.Version,
		&sess.CreatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &sess.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
		}
	}
	return &sess, nil
}

// scanSessionMessages consumes rows ordered newest-first and returns them in
// chronological order.
func scanSessionMessages(rows *sql.Rows) ([]models.SessionMessage, error) {
	var history []models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		var step sql.NullString
		if err := rows.Scan(&m.Direction, &m.Text, &step, &m.Time); err != nil {
			return nil, fmt.Errorf("failed to scan session message: %w", err)
		}
		m.Step = step.String
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(history)
	return history, nil
}

func scanKeywordRules(rows *sql.Rows) ([]models.KeywordRule, error) {
	var rules []models.KeywordRule
	for rows.Next() {
		var r models.KeywordRule
		var mode sql.NullString
		var response string
		if err := rows.Scan(&r.ID, &r.Trigger, &mode, &r.Priority, &response); err != nil {
			return nil, fmt.Errorf("failed to scan keyword rule: %w", err)
		}
		r.Mode = models.MatchMode(mode.String)
		if err := json.Unmarshal([]byte(response), &r.Response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keyword response: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanFlows(rows *sql.Rows) ([]models.Flow, error) {
	var flows []models.Flow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flow, err := decodeFlow(data)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

func scanAIContexts(rows *sql.Rows) ([]models.AIContext, error) {
	var contexts []models.AIContext
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan AI context: %w", err)
		}
		var c models.AIContext
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal AI context: %w", err)
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

func scanContextRecords(rows *sql.Rows, fields []string) ([]map[string]string, error) {
	var records []map[string]string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan context record: %w", err)
		}
		var record map[string]string
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context record: %w", err)
		}
		records = append(records, projectFields(record, fields))
	}
	return records, rows.Err()
}

// scanMessages consumes rows ordered newest-first and returns them in
// chronological order.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var recipient, structured sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &recipient, &m.Text, &m.ContentType,
			&m.Account, &m.Direction, &structured, &m.SkipRouting, &m.Time); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.To = recipient.String
		if structured.Valid && structured.String != "" {
			if err := json.Unmarshal([]byte(structured.String), &m.Structured); err != nil {
				return nil, fmt.Errorf("failed to unmarshal structured payload: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
