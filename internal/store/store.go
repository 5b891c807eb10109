// Package store provides storage backends for ChatPipe.
//
// It includes an in-memory store for tests and SQLite/PostgreSQL-backed
// stores for persistent deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Store is the persistence boundary shared by the router, flow engine, and
// administrative surface.
type Store interface {
	// Settings (singleton).
	GetSettings() (*models.ChatbotSettings, error)
	SaveSettings(s models.ChatbotSettings) error

	// Sessions. GetActiveSession returns nil when no Active session exists
	// for the pair. SaveSession performs a compare-and-swap on Version and
	// returns models.ErrSessionConflict on a stale write.
	GetActiveSession(phone, account string) (*models.Session, error)
	CreateSession(s models.Session) error
	SaveSession(s models.Session) error
	AppendSessionMessage(sessionID string, m models.SessionMessage) error
	GetSessionHistory(phone, account string, limit int) ([]models.SessionMessage, error)
	// ExpireIdleSessions transitions up to batch Active sessions whose last
	// activity predates now-ttl into Expired, returning how many changed.
	ExpireIdleSessions(ttl time.Duration, now time.Time, batch int) (int, error)

	// Keyword rules, in creation order.
	ListKeywordRules() ([]models.KeywordRule, error)
	SaveKeywordRule(r models.KeywordRule) error

	// Flows.
	ListFlows() ([]models.Flow, error)
	GetFlow(id string) (*models.Flow, error)
	SaveFlow(f models.Flow) error

	// AI context entries and the bounded document queries they reference.
	ListAIContexts() ([]models.AIContext, error)
	QueryContextRecords(collection string, fields []string, limit int) ([]map[string]string, error)

	// Message log.
	AddMessage(m models.Message) error
	GetMessages(phone string, limit int) ([]models.Message, error)

	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-guarded Store used by tests and development runs.
type InMemoryStore struct {
	mu        sync.Mutex
	settings  *models.ChatbotSettings
	sessions  map[string]models.Session // keyed by session ID
	sessLog   map[string][]models.SessionMessage
	rules     []models.KeywordRule
	flows     map[string]models.Flow
	flowOrder []string
	contexts  []models.AIContext
	documents map[string][]map[string]string
	messages  []models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]models.Session),
		sessLog:   make(map[string][]models.SessionMessage),
		flows:     make(map[string]models.Flow),
		documents: make(map[string][]map[string]string),
	}
}

func (s *InMemoryStore) GetSettings() (*models.ChatbotSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, nil
	}
	cp := *s.settings
	return &cp, nil
}

func (s *InMemoryStore) SaveSettings(settings models.ChatbotSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *InMemoryStore) GetActiveSession(phone, account string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.PhoneNumber == phone && sess.Account == account && sess.Status == models.SessionStatusActive {
			cp := sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status == models.SessionStatusActive {
		for _, existing := range s.sessions {
			if existing.PhoneNumber == sess.PhoneNumber && existing.Account == sess.Account && existing.Status == models.SessionStatusActive {
				return models.ErrSessionConflict
			}
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.ID]
	if !ok || stored.Version != sess.Version {
		return models.ErrSessionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) AppendSessionMessage(sessionID string, m models.SessionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessLog[sessionID] = append(s.sessLog[sessionID], m)
	return nil
}

func (s *InMemoryStore) GetSessionHistory(phone, account string, limit int) ([]models.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []models.SessionMessage
	for id, sess := range s.sessions {
		if sess.PhoneNumber == phone && sess.Account == account {
			history = append(history, s.sessLog[id]...)
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Time.Before(history[j].Time) })
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (s *InMemoryStore) ExpireIdleSessions(ttl time.Duration, now time.Time, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-ttl)
	expired := 0
	for id, sess := range s.sessions {
		if batch > 0 && expired >= batch {
			break
		}
		if sess.Status == models.SessionStatusActive && sess.LastActivityAt.Before(cutoff) {
			sess.Status = models.SessionStatusExpired
			sess.Version++
			s.sessions[id] = sess
			expired++
		}
	}
	return expired, nil
}

func (s *InMemoryStore) ListKeywordRules() ([]models.KeywordRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]models.KeywordRule, len(s.rules))
	copy(rules, s.rules)
	return rules, nil
}

func (s *InMemoryStore) SaveKeywordRule(r models.KeywordRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == r.ID {
			s.rules[i] = r
			return nil
		}
	}
	s.rules = append(s.rules, r)
	return nil
}

func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := make([]models.Flow, 0, len(s.flowOrder))
	for _, id := range s.flowOrder {
		flows = append(flows, s.flows[id])
	}
	return flows, nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		s.flowOrder = append(s.flowOrder, f.ID)
	}
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) ListAIContexts() ([]models.AIContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contexts := make([]models.AIContext, len(s.contexts))
	copy(contexts, s.contexts)
	return contexts, nil
}

// SaveAIContext adds or replaces a context entry (test/admin helper).
func (s *InMemoryStore) SaveAIContext(c models.AIContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.contexts {
		if s.contexts[i].ID == c.ID {
			s.contexts[i] = c
			return nil
		}
	}
	s.contexts = append(s.contexts, c)
	return nil
}

// AddContextRecord adds a document used by query-type context entries.
func (s *InMemoryStore) AddContextRecord(collection string, record map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[collection] = append(s.documents[collection], record)
}

func (s *InMemoryStore) QueryContextRecords(collection string, fields []string, limit int) ([]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > models.MaxContextRecords {
		limit = models.MaxContextRecords
	}
	records := s.documents[collection]
	if len(records) > limit {
		records = records[:limit]
	}
	out := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		out = append(out, projectFields(rec, fields))
	}
	return out, nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) GetMessages(phone string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if phone == "" || m.From == phone || m.To == phone {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// projectFields keeps only the requested fields; empty fields keeps all.
func projectFields(rec map[string]string, fields []string) map[string]string {
	if len(fields) == 0 {
		cp := make(map[string]string, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		return cp
	}
	cp := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			cp[f] = v
		}
	}
	return cp
}
