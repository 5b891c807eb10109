// Package router routes inbound chat messages to exactly one
// response-producing strategy.
//
// The priority order is fixed: resume an active session, keyword match,
// flow trigger, AI fallback, static default. The first strategy that
// produces a non-empty reply wins and delivery happens exactly once.
// Routing never panics out; a failing strategy yields to the next one.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/flow"
	"github.com/BTreeMap/ChatPipe/internal/genai"
	"github.com/BTreeMap/ChatPipe/internal/guard"
	"github.com/BTreeMap/ChatPipe/internal/keyword"
	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/google/uuid"
)

// AIResponder is the generative fallback surface. The concrete
// implementation lives in internal/genai.
type AIResponder interface {
	Generate(ctx context.Context, text string, history []models.SessionMessage, extraContext string) (string, error)
}

// Opts holds configuration for the processor.
type Opts struct {
	Guard     guard.Guard
	Responder AIResponder
	Executor  flow.Executor
	Now       func() time.Time
}

// Option defines a configuration option for the processor.
type Option func(*Opts)

// WithGuard sets the admission guard.
func WithGuard(g guard.Guard) Option {
	return func(o *Opts) { o.Guard = g }
}

// WithResponder sets the AI fallback responder.
func WithResponder(r AIResponder) Option {
	return func(o *Opts) { o.Responder = r }
}

// WithExecutor sets the script executor used by script-type keyword responses.
func WithExecutor(e flow.Executor) Option {
	return func(o *Opts) { o.Executor = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Processor routes inbound messages and delivers the winning reply.
type Processor struct {
	store     store.Store
	flows     *flow.Engine
	messenger messaging.Service
	guard     guard.Guard
	responder AIResponder
	executor  flow.Executor
	now       func() time.Time
}

// NewProcessor creates a message processor.
func NewProcessor(st store.Store, flows *flow.Engine, messenger messaging.Service, opts ...Option) *Processor {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.NewMemoryGuard()
	}
	return &Processor{
		store:     st,
		flows:     flows,
		messenger: messenger,
		guard:     cfg.Guard,
		responder: cfg.Responder,
		executor:  cfg.Executor,
		now:       cfg.Now,
	}
}

// Route processes one inbound message end to end: eligibility checks,
// strategy selection, delivery, and outbound persistence. It returns the
// reply that was produced (nil when the message was dropped or no strategy
// produced one) and never propagates a panic.
func (p *Processor) Route(ctx context.Context, msg *models.Message) *models.Reply {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Router recovered from panic", "panic", r, "messageID", msg.ID)
		}
	}()

	if msg.Direction != models.DirectionIncoming || msg.SkipRouting {
		slog.Debug("Router ignoring non-routable record", "messageID", msg.ID, "direction", msg.Direction)
		return nil
	}

	admitted, err := p.guard.Admit(ctx, msg.ID)
	if err != nil {
		slog.Error("Router guard admit failed", "error", err, "messageID", msg.ID)
		return nil
	}
	if !admitted {
		slog.Info("Router dropping duplicate in-flight message", "messageID", msg.ID)
		return nil
	}
	defer p.guard.Release(ctx, msg.ID)

	settings, err := p.store.GetSettings()
	if err != nil {
		slog.Error("Router failed to load settings", "error", err, "messageID", msg.ID)
		return nil
	}
	if settings == nil || !settings.Enabled {
		slog.Debug("Router disabled, skipping message", "messageID", msg.ID)
		return nil
	}
	if !models.IsRoutableContentType(msg.ContentType) {
		slog.Debug("Router skipping unsupported content type", "messageID", msg.ID, "contentType", msg.ContentType)
		return nil
	}
	if !settings.AccountEligible(msg.Account) {
		slog.Debug("Router skipping out-of-scope account", "messageID", msg.ID, "account", msg.Account)
		return nil
	}
	if settings.IsExcluded(msg.From) {
		slog.Debug("Router skipping excluded number", "messageID", msg.ID)
		return nil
	}

	// Outside business hours nothing else runs, active session included.
	if !settings.WithinBusinessHours(p.now()) {
		slog.Info("Router out-of-hours short-circuit", "messageID", msg.ID)
		reply := models.TextReply(settings.OutOfHoursMessage)
		if reply != nil {
			p.deliver(ctx, msg, reply)
		}
		return reply
	}

	reply := p.selectReply(ctx, settings, msg)
	if reply == nil {
		slog.Info("Router produced no reply", "messageID", msg.ID)
		return nil
	}
	p.deliver(ctx, msg, reply)
	return reply
}

// selectReply walks the strategy chain and returns the first non-empty reply.
func (p *Processor) selectReply(ctx context.Context, settings *models.ChatbotSettings, msg *models.Message) *models.Reply {
	if reply := p.try("session", msg.ID, func() (*models.Reply, error) {
		return p.resumeSession(ctx, msg)
	}); reply != nil {
		return reply
	}
	if reply := p.try("keyword", msg.ID, func() (*models.Reply, error) {
		return p.matchKeyword(ctx, msg)
	}); reply != nil {
		return reply
	}
	if reply := p.try("flow_trigger", msg.ID, func() (*models.Reply, error) {
		return p.triggerFlow(ctx, msg)
	}); reply != nil {
		return reply
	}
	if settings.EnableAI && p.responder != nil {
		if reply := p.try("ai", msg.ID, func() (*models.Reply, error) {
			return p.aiFallback(ctx, msg)
		}); reply != nil {
			return reply
		}
	}
	return models.TextReply(settings.DefaultResponse)
}

// try runs one strategy, converting panics and errors into "no reply".
func (p *Processor) try(strategy, messageID string, fn func() (*models.Reply, error)) (reply *models.Reply) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Router strategy panicked", "strategy", strategy, "panic", r, "messageID", messageID)
			reply = nil
		}
	}()
	reply, err := fn()
	if err != nil {
		slog.Error("Router strategy failed", "strategy", strategy, "error", err, "messageID", messageID)
		return nil
	}
	return reply
}

// resumeSession feeds the message to the active session, when one exists.
func (p *Processor) resumeSession(ctx context.Context, msg *models.Message) (*models.Reply, error) {
	sess, err := p.store.GetActiveSession(msg.From, msg.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	reply, err := p.flows.Resume(ctx, sess, msg)
	if err != nil {
		// A retired session (deleted flow, broken step) falls through to
		// the stateless strategies instead of going silent.
		if errors.Is(err, models.ErrFlowNotFound) || errors.Is(err, models.ErrStepNotFound) {
			slog.Warn("Router session retired mid-flow", "error", err, "messageID", msg.ID)
			return nil, nil
		}
		return nil, err
	}
	return reply, nil
}

// matchKeyword evaluates the static keyword rules. Script and flow-trigger
// responses are resolved here so the caller always receives a deliverable
// reply.
func (p *Processor) matchKeyword(ctx context.Context, msg *models.Message) (*models.Reply, error) {
	rules, err := p.store.ListKeywordRules()
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword rules: %w", err)
	}
	reply := keyword.NewMatcher(rules).Match(msg.Text)
	if reply == nil {
		return nil, nil
	}
	switch reply.Type {
	case models.ReplyTypeScript:
		if p.executor == nil {
			return nil, fmt.Errorf("script response %q with no executor configured", reply.ScriptRef)
		}
		return p.executor.Execute(ctx, reply.ScriptRef, nil)
	case models.ReplyTypeFlowTrigger:
		return p.flows.Start(ctx, reply.FlowID, msg.From, msg.Account)
	default:
		return reply, nil
	}
}

// triggerFlow starts a flow whose trigger phrase matches the message.
func (p *Processor) triggerFlow(ctx context.Context, msg *models.Message) (*models.Reply, error) {
	flowID, err := p.flows.CheckTrigger(msg.Text)
	if err != nil {
		return nil, err
	}
	if flowID == "" {
		return nil, nil
	}
	return p.flows.Start(ctx, flowID, msg.From, msg.Account)
}

// aiFallback asks the responder with recent history and installation context.
func (p *Processor) aiFallback(ctx context.Context, msg *models.Message) (*models.Reply, error) {
	history, err := p.store.GetSessionHistory(msg.From, msg.Account, models.MaxHistoryTurns)
	if err != nil {
		slog.Warn("Router proceeding without history", "error", err, "messageID", msg.ID)
		history = nil
	}
	text, err := p.responder.Generate(ctx, msg.Text, history, genai.AssembleContext(p.store))
	if err != nil {
		return nil, err
	}
	return models.TextReply(text), nil
}

// deliver sends the reply and records the outbound message. The record is
// tagged SkipRouting so re-ingestion of our own send never loops.
func (p *Processor) deliver(ctx context.Context, msg *models.Message, reply *models.Reply) {
	if err := p.messenger.SendReply(ctx, msg.From, reply); err != nil {
		slog.Error("Router delivery failed", "error", err, "messageID", msg.ID, "to", msg.From)
		return
	}
	outbound := models.Message{
		ID:          uuid.NewString(),
		From:        msg.Account,
		To:          msg.From,
		Text:        reply.Text,
		ContentType: models.ContentTypeText,
		Account:     msg.Account,
		Direction:   models.DirectionOutgoing,
		SkipRouting: true,
		Time:        p.now(),
	}
	if err := p.store.AddMessage(outbound); err != nil {
		slog.Warn("Router failed to persist outbound message", "error", err, "messageID", msg.ID)
	}
	slog.Info("Router reply delivered", "messageID", msg.ID, "to", msg.From, "type", reply.Type)
}

// HandleInbound consumes the messaging service's inbound channel until the
// context is cancelled or the channel closes. Every message is persisted
// before routing; a routing failure never rolls the record back.
func (p *Processor) HandleInbound(ctx context.Context) {
	slog.Info("Router inbound loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router inbound loop stopping", "reason", ctx.Err())
			return
		case msg, ok := <-p.messenger.Messages():
			if !ok {
				slog.Info("Router inbound channel closed")
				return
			}
			if err := p.store.AddMessage(msg); err != nil {
				slog.Error("Router failed to persist inbound message", "error", err, "messageID", msg.ID)
			}
			p.Route(ctx, &msg)
		}
	}
}
