// Package genai produces AI fallback responses using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultTimeout bounds one completion call.
const DefaultTimeout = 30 * time.Second

// DefaultModel is used when settings leave the model empty.
const DefaultModel = openai.ChatModelGPT4oMini

// chatService is the minimal completion surface, extracted so tests can
// substitute a mock for the OpenAI client.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the responder.
type Opts struct {
	Config  models.AIConfig
	Timeout time.Duration
	chat    chatService
}

// Option defines a configuration option for the responder.
type Option func(*Opts)

// WithConfig sets the provider configuration from settings.
func WithConfig(cfg models.AIConfig) Option {
	return func(o *Opts) { o.Config = cfg }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// withChatService injects a mock completion service (tests only).
func withChatService(svc chatService) Option {
	return func(o *Opts) { o.chat = svc }
}

// Responder generates replies from conversation history and installation
// context.
type Responder struct {
	chat    chatService
	config  models.AIConfig
	timeout time.Duration
}

// NewResponder creates a responder from the AI configuration in settings.
func NewResponder(opts ...Option) (*Responder, error) {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	chat := cfg.chat
	if chat == nil {
		if cfg.Config.APIKey == "" {
			return nil, fmt.Errorf("AI API key not set")
		}
		client := openai.NewClient(option.WithAPIKey(cfg.Config.APIKey))
		chat = &client.Chat.Completions
	}
	return &Responder{chat: chat, config: cfg.Config, timeout: cfg.Timeout}, nil
}

// Generate produces a reply to text given recent conversation history and an
// assembled context block. History beyond the most recent turns is dropped.
// An empty string with a non-nil error means the caller should fall through
// to the next strategy.
func (r *Responder) Generate(ctx context.Context, text string, history []models.SessionMessage, extraContext string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	system := r.config.SystemPrompt
	if system == "" {
		system = "You are a helpful customer support assistant. Keep replies short and to the point."
	}
	if extraContext != "" {
		system += "\n\nUse the following business context when answering:\n" + extraContext
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	for _, turn := range trimHistory(history, models.MaxHistoryTurns) {
		if turn.Direction == models.DirectionIncoming {
			messages = append(messages, openai.UserMessage(turn.Text))
		} else {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	model := openai.ChatModel(r.config.Model)
	if r.config.Model == "" {
		model = DefaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if r.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(r.config.MaxTokens))
	}
	if r.config.Temperature > 0 {
		params.Temperature = openai.Float(r.config.Temperature)
	}

	resp, err := r.chat.New(ctx, params)
	if err != nil {
		slog.Error("AI completion failed", "error", err)
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("AI completion returned no choices")
		return "", fmt.Errorf("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// trimHistory keeps the most recent limit entries.
func trimHistory(history []models.SessionMessage, limit int) []models.SessionMessage {
	if len(history) > limit {
		return history[len(history)-limit:]
	}
	return history
}

// contextQuerier is the slice of the store the context assembler needs.
type contextQuerier interface {
	ListAIContexts() ([]models.AIContext, error)
	QueryContextRecords(collection string, fields []string, limit int) ([]map[string]string, error)
}

// AssembleContext renders the enabled context entries, highest priority
// first, into one text block for the system prompt. Static entries
// contribute their content verbatim; query entries contribute a bounded JSON
// rendering of their records. A failing entry is skipped, never fatal.
func AssembleContext(st contextQuerier) string {
	entries, err := st.ListAIContexts()
	if err != nil {
		slog.Error("Failed to list AI contexts", "error", err)
		return ""
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority > entries[j].Priority })

	var parts []string
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		switch entry.Type {
		case models.AIContextStatic:
			if entry.Content != "" {
				parts = append(parts, entry.Content)
			}
		case models.AIContextQuery:
			records, err := st.QueryContextRecords(entry.Collection, entry.Fields, models.MaxContextRecords)
			if err != nil {
				slog.Warn("AI context query failed", "error", err, "context", entry.ID, "collection", entry.Collection)
				continue
			}
			if len(records) == 0 {
				continue
			}
			rendered, err := json.Marshal(records)
			if err != nil {
				slog.Warn("AI context render failed", "error", err, "context", entry.ID)
				continue
			}
			parts = append(parts, entry.Collection+": "+string(rendered))
		}
	}
	return strings.Join(parts, "\n\n")
}
