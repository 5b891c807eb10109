// Package flow runs authored multi-step conversation flows over sessions.
//
// The engine starts a session when a trigger phrase arrives, consumes one
// answer per inbound message while a session is active, validates it against
// the current step, and advances until the flow completes.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/google/uuid"
)

// Opts holds configuration for the flow engine.
type Opts struct {
	Executor Executor
	Now      func() time.Time
}

// Option defines a configuration option for the flow engine.
type Option func(*Opts)

// WithExecutor sets the script executor used by completion actions.
func WithExecutor(e Executor) Option {
	return func(o *Opts) { o.Executor = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine drives flows over store-backed sessions.
type Engine struct {
	store    store.Store
	executor Executor
	now      func() time.Time
}

// NewEngine creates a flow engine over the given store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{store: st, executor: cfg.Executor, now: cfg.Now}
}

// CheckTrigger returns the ID of the first flow (creation order) whose
// trigger phrase exactly matches the normalized text, or "" when none does.
func (e *Engine) CheckTrigger(text string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return "", nil
	}
	flows, err := e.store.ListFlows()
	if err != nil {
		return "", fmt.Errorf("failed to list flows: %w", err)
	}
	for _, f := range flows {
		for _, trigger := range f.Triggers {
			if strings.ToLower(strings.TrimSpace(trigger)) == normalized {
				return f.ID, nil
			}
		}
	}
	return "", nil
}

// Start creates an Active session at the flow's first step and returns the
// first prompt. A flow that does not exist or has no steps yields no reply.
// When the pair already has an Active session the start is skipped.
func (e *Engine) Start(ctx context.Context, flowID, phone, account string) (*models.Reply, error) {
	flow, err := e.store.GetFlow(flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}
	if flow == nil {
		slog.Warn("Flow engine start skipped, flow not found", "flowID", flowID)
		return nil, models.ErrFlowNotFound
	}
	if len(flow.Steps) == 0 {
		slog.Warn("Flow engine start skipped, flow has no steps", "flowID", flowID)
		return nil, models.ErrFlowHasNoSteps
	}

	now := e.now()
	first := flow.Steps[0]
	sess := models.Session{
		ID:             uuid.NewString(),
		PhoneNumber:    phone,
		Account:        account,
		FlowID:         flow.ID,
		CurrentStep:    first.Name,
		Status:         models.SessionStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		if errors.Is(err, models.ErrSessionConflict) {
			slog.Info("Flow engine start skipped, session already active", "phone", phone, "flowID", flowID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("Flow engine started session", "sessionID", sess.ID, "flowID", flow.ID, "phone", phone, "step", first.Name)

	prompt := Substitute(first.Prompt, sess.Data)
	e.logOutgoing(sess.ID, prompt, first.Name, now)
	return models.TextReply(prompt), nil
}

// Resume consumes one inbound message as the answer to the session's current
// step and returns the next prompt, a re-prompt on validation failure, or the
// completion message. When a concurrent writer advanced the session first,
// the stale snapshot is discarded and the message is replayed once against
// the freshly loaded session, so it answers the step the session is actually
// on instead of overwriting the other writer's progress.
func (e *Engine) Resume(ctx context.Context, sess *models.Session, msg *models.Message) (*models.Reply, error) {
	reply, err := e.resume(ctx, sess, msg)
	if !errors.Is(err, models.ErrSessionConflict) {
		return reply, err
	}

	fresh, ferr := e.store.GetActiveSession(sess.PhoneNumber, sess.Account)
	if ferr != nil || fresh == nil || fresh.ID != sess.ID {
		slog.Warn("Flow engine session conflict not recoverable", "sessionID", sess.ID)
		return nil, models.ErrSessionConflict
	}
	slog.Info("Flow engine replaying message against fresh session", "sessionID", sess.ID, "step", fresh.CurrentStep)
	*sess = *fresh
	return e.resume(ctx, sess, msg)
}

func (e *Engine) resume(ctx context.Context, sess *models.Session, msg *models.Message) (*models.Reply, error) {
	flow, err := e.store.GetFlow(sess.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", sess.FlowID, err)
	}
	if flow == nil {
		// The flow was deleted under the session; retire it.
		slog.Warn("Flow engine retiring session for missing flow", "sessionID", sess.ID, "flowID", sess.FlowID)
		sess.Status = models.SessionStatusExpired
		sess.Touch(e.now())
		if err := e.save(sess); err != nil {
			return nil, err
		}
		return nil, models.ErrFlowNotFound
	}
	step := flow.StepByName(sess.CurrentStep)
	if step == nil {
		slog.Error("Flow engine session points at unknown step", "sessionID", sess.ID, "step", sess.CurrentStep)
		sess.Status = models.SessionStatusExpired
		sess.Touch(e.now())
		if err := e.save(sess); err != nil {
			return nil, err
		}
		return nil, models.ErrStepNotFound
	}

	now := e.now()
	if step.Input == models.InputTypeStructured && msg.ContentType == models.ContentTypeStructured {
		return e.consumeStructured(ctx, sess, flow, step, msg.Structured, now)
	}

	// Any other payload on a structured step, or a structured payload on a
	// text step, degrades to the message text.
	answer := strings.TrimSpace(msg.Text)
	e.logIncoming(sess.ID, answer, step.Name, now)

	if hint, ok := validateAnswer(step, answer); !ok {
		return e.reprompt(sess, step, hint, now)
	}

	if step.FieldKey != "" {
		sess.SetData(step.FieldKey, answer)
	}
	return e.advance(ctx, sess, flow, step, answer, now)
}

// consumeStructured maps a structured-form payload into session data per the
// step's field mappings. Values are captured into a scratch map first; a
// missing required field re-prompts without any of the payload reaching the
// session.
func (e *Engine) consumeStructured(ctx context.Context, sess *models.Session, flow *models.Flow, step *models.Step, payload models.StructuredReply, now time.Time) (*models.Reply, error) {
	audit, _ := json.Marshal(payload)
	e.logIncoming(sess.ID, string(audit), step.Name, now)

	captured := make(map[string]string, len(step.Fields))
	var branchValue string
	for _, mapping := range step.Fields {
		value, ok := payload[mapping.Field]
		if !ok || strings.TrimSpace(value) == "" {
			if mapping.Required {
				hint := "Missing required field: " + mapping.Field
				return e.reprompt(sess, step, hint, now)
			}
			continue
		}
		key := mapping.Key
		if key == "" {
			key = mapping.Field
		}
		captured[key] = value
		if branchValue == "" {
			branchValue = value
		}
	}
	for key, value := range captured {
		sess.SetData(key, value)
	}
	return e.advance(ctx, sess, flow, step, branchValue, now)
}

// reprompt repeats the current step's prompt with the validation hint. The
// session stays on the same step; only the activity timestamp moves.
func (e *Engine) reprompt(sess *models.Session, step *models.Step, hint string, now time.Time) (*models.Reply, error) {
	sess.Touch(now)
	if err := e.save(sess); err != nil {
		return nil, err
	}
	text := Substitute(step.Prompt, sess.Data)
	if hint != "" {
		text = hint + "\n" + text
	}
	slog.Debug("Flow engine re-prompting", "sessionID", sess.ID, "step", step.Name)
	e.logOutgoing(sess.ID, text, step.Name, now)
	return models.TextReply(text), nil
}

// advance moves the session to the next step or completes the flow.
func (e *Engine) advance(ctx context.Context, sess *models.Session, flow *models.Flow, step *models.Step, answer string, now time.Time) (*models.Reply, error) {
	next := nextStep(flow, step, answer)
	sess.Touch(now)
	if next == nil {
		return e.complete(ctx, sess, flow, now)
	}

	sess.CurrentStep = next.Name
	if err := e.save(sess); err != nil {
		return nil, err
	}
	slog.Info("Flow engine advanced session", "sessionID", sess.ID, "step", next.Name)
	prompt := Substitute(next.Prompt, sess.Data)
	e.logOutgoing(sess.ID, prompt, next.Name, now)
	return models.TextReply(prompt), nil
}

func (e *Engine) complete(ctx context.Context, sess *models.Session, flow *models.Flow, now time.Time) (*models.Reply, error) {
	sess.Status = models.SessionStatusCompleted
	if err := e.save(sess); err != nil {
		return nil, err
	}
	slog.Info("Flow engine completed session", "sessionID", sess.ID, "flowID", flow.ID)

	// Completion actions are best-effort: a failing script never blocks the
	// completion message.
	var scriptReply *models.Reply
	if flow.Completion != nil && flow.Completion.ScriptRef != "" && e.executor != nil {
		reply, err := e.executor.Execute(ctx, flow.Completion.ScriptRef, sess.Data)
		if err != nil {
			slog.Error("Flow completion action failed", "error", err, "sessionID", sess.ID, "script", flow.Completion.ScriptRef)
		} else {
			scriptReply = reply
		}
	}

	if flow.CompletionMessage != "" {
		text := Substitute(flow.CompletionMessage, sess.Data)
		e.logOutgoing(sess.ID, text, "", now)
		return models.TextReply(text), nil
	}
	return scriptReply, nil
}

// save performs the CAS write and tracks the new version on success. A
// conflict means another writer advanced the session; the caller decides
// whether to replay against the fresh state, never to force the stale one.
func (e *Engine) save(sess *models.Session) error {
	if err := e.store.SaveSession(*sess); err != nil {
		return err
	}
	sess.Version++
	return nil
}

func (e *Engine) logIncoming(sessionID, text, step string, now time.Time) {
	e.appendLog(sessionID, models.SessionMessage{Direction: models.DirectionIncoming, Text: text, Step: step, Time: now})
}

func (e *Engine) logOutgoing(sessionID, text, step string, now time.Time) {
	e.appendLog(sessionID, models.SessionMessage{Direction: models.DirectionOutgoing, Text: text, Step: step, Time: now})
}

func (e *Engine) appendLog(sessionID string, m models.SessionMessage) {
	if err := e.store.AppendSessionMessage(sessionID, m); err != nil {
		slog.Warn("Flow engine failed to append session log", "error", err, "sessionID", sessionID)
	}
}

// nextStep resolves where the session goes after answering step: a branch on
// the captured value, an explicit next step, or declaration order. Nil means
// the flow is complete.
func nextStep(flow *models.Flow, step *models.Step, answer string) *models.Step {
	if len(step.BranchOn) > 0 {
		if target, ok := step.BranchOn[answer]; ok {
			return flow.StepByName(target)
		}
		if target, ok := step.BranchOn["default"]; ok {
			return flow.StepByName(target)
		}
	}
	if step.NextStep != "" {
		return flow.StepByName(step.NextStep)
	}
	return flow.StepAfter(step.Name)
}

// validateAnswer applies the step's validation rule. It returns a hint and
// false when the answer is rejected.
func validateAnswer(step *models.Step, answer string) (string, bool) {
	v := step.Validation
	if answer == "" {
		if v.Required {
			return hintOr(v.ErrorHint, "This field is required."), false
		}
		return "", true
	}
	if v.Pattern != "" {
		re, err := regexp.Compile("^(?:" + v.Pattern + ")$")
		if err != nil {
			slog.Error("Invalid step validation pattern", "step", step.Name, "pattern", v.Pattern, "error", err)
			return "", true
		}
		if !re.MatchString(answer) {
			return hintOr(v.ErrorHint, "That doesn't look right, please try again."), false
		}
	}
	if len(v.Choices) > 0 {
		for _, choice := range v.Choices {
			if strings.EqualFold(choice, answer) {
				return "", true
			}
		}
		return hintOr(v.ErrorHint, "Please pick one of: "+strings.Join(v.Choices, ", ")), false
	}
	return "", true
}

func hintOr(hint, fallback string) string {
	if hint != "" {
		return hint
	}
	return fallback
}
