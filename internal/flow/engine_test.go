package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

var testClock = func() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func onboardingFlow() models.Flow {
	return models.Flow{
		ID:       "flow-onboard",
		Name:     "Onboarding",
		Triggers: []string{"sign me up"},
		Steps: []models.Step{
			{
				Name:       "ask_name",
				Prompt:     "What is your name?",
				Input:      models.InputTypeText,
				Validation: models.StepValidation{Required: true},
				FieldKey:   "name",
			},
			{
				Name:     "ask_color",
				Prompt:   "Nice to meet you, {{name}}. Favorite color?",
				Input:    models.InputTypeText,
				FieldKey: "color",
			},
		},
		CompletionMessage: "All set, {{name}}!",
	}
}

func newEngine(t *testing.T, flows ...models.Flow) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, f := range flows {
		if err := st.SaveFlow(f); err != nil {
			t.Fatalf("SaveFlow failed: %v", err)
		}
	}
	return NewEngine(st, WithClock(testClock)), st
}

func incoming(text string) *models.Message {
	return &models.Message{
		ID:          "msg-1",
		From:        "+15551234",
		Text:        text,
		ContentType: models.ContentTypeText,
		Account:     "acct-1",
		Direction:   models.DirectionIncoming,
		Time:        testClock(),
	}
}

func TestCheckTrigger(t *testing.T) {
	e, _ := newEngine(t, onboardingFlow())

	cases := []struct {
		text string
		want string
	}{
		{"sign me up", "flow-onboard"},
		{"  Sign Me Up  ", "flow-onboard"},
		{"sign me up please", ""},
		{"", ""},
	}
	for _, c := range cases {
		got, err := e.CheckTrigger(c.text)
		if err != nil {
			t.Fatalf("CheckTrigger(%q) failed: %v", c.text, err)
		}
		if got != c.want {
			t.Errorf("CheckTrigger(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestStartCreatesSessionAndPrompts(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())

	reply, err := e.Start(context.Background(), "flow-onboard", "+15551234", "acct-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if reply == nil || reply.Text != "What is your name?" {
		t.Fatalf("expected first prompt, got %+v", reply)
	}

	sess, err := st.GetActiveSession("+15551234", "acct-1")
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	if sess == nil || sess.CurrentStep != "ask_name" {
		t.Fatalf("expected active session at ask_name, got %+v", sess)
	}
}

func TestStartUnknownFlow(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Start(context.Background(), "no-such-flow", "+15551234", "acct-1")
	if !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestStartSkipsWhenSessionActive(t *testing.T) {
	e, _ := newEngine(t, onboardingFlow())
	if _, err := e.Start(context.Background(), "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	reply, err := e.Start(context.Background(), "flow-onboard", "+15551234", "acct-1")
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if reply != nil {
		t.Errorf("expected no reply when a session is already active, got %+v", reply)
	}
}

func TestResumeAdvancesAndSubstitutes(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	if _, err := e.Start(context.Background(), "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	reply, err := e.Resume(context.Background(), sess, incoming("Alice"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Nice to meet you, Alice. Favorite color?" {
		t.Errorf("expected substituted next prompt, got %+v", reply)
	}

	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	if sess.CurrentStep != "ask_color" {
		t.Errorf("expected session at ask_color, got %s", sess.CurrentStep)
	}
	if sess.Data["name"] != "Alice" {
		t.Errorf("expected captured name, got %+v", sess.Data)
	}
}

func TestResumeRequiredEmptyReprompts(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	if _, err := e.Start(context.Background(), "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	reply, err := e.Resume(context.Background(), sess, incoming("   "))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "This field is required.\nWhat is your name?" {
		t.Errorf("expected re-prompt with hint, got %+v", reply)
	}

	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	if sess.CurrentStep != "ask_name" {
		t.Errorf("session must stay on ask_name after a failed answer, got %s", sess.CurrentStep)
	}
	if len(sess.Data) != 0 {
		t.Errorf("no data should be captured on a failed answer, got %+v", sess.Data)
	}
}

func TestResumeCompletesAtLastStep(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	ctx := context.Background()
	if _, err := e.Start(ctx, "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")
	if _, err := e.Resume(ctx, sess, incoming("Alice")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	reply, err := e.Resume(ctx, sess, incoming("blue"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "All set, Alice!" {
		t.Errorf("expected completion message, got %+v", reply)
	}

	// The session is no longer active and a fresh flow can start.
	active, _ := st.GetActiveSession("+15551234", "acct-1")
	if active != nil {
		t.Errorf("expected no active session after completion, got %+v", active)
	}
}

func TestCompletionActionBestEffort(t *testing.T) {
	f := onboardingFlow()
	f.Completion = &models.CompletionAction{ScriptRef: "notify_sales"}

	executed := false
	exec := NewFuncExecutor()
	exec.Register("notify_sales", func(_ context.Context, data map[string]string) (*models.Reply, error) {
		executed = true
		if data["name"] != "Alice" {
			t.Errorf("expected captured data in script, got %+v", data)
		}
		return nil, nil
	})

	st := store.NewInMemoryStore()
	if err := st.SaveFlow(f); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	e := NewEngine(st, WithClock(testClock), WithExecutor(exec))

	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")
	if _, err := e.Resume(ctx, sess, incoming("Alice")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	reply, err := e.Resume(ctx, sess, incoming("blue"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !executed {
		t.Error("expected completion script to run")
	}
	if reply == nil || reply.Text != "All set, Alice!" {
		t.Errorf("expected completion message alongside the script, got %+v", reply)
	}
}

func TestCompletionActionFailureDoesNotBlock(t *testing.T) {
	f := onboardingFlow()
	f.Completion = &models.CompletionAction{ScriptRef: "explodes"}

	exec := NewFuncExecutor()
	exec.Register("explodes", func(_ context.Context, _ map[string]string) (*models.Reply, error) {
		return nil, errors.New("boom")
	})

	st := store.NewInMemoryStore()
	if err := st.SaveFlow(f); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	e := NewEngine(st, WithClock(testClock), WithExecutor(exec))

	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")
	if _, err := e.Resume(ctx, sess, incoming("Alice")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	reply, err := e.Resume(ctx, sess, incoming("blue"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "All set, Alice!" {
		t.Errorf("script failure must not block completion, got %+v", reply)
	}
}

func TestBranchOnAnswer(t *testing.T) {
	f := models.Flow{
		ID:   "flow-support",
		Name: "Support",
		Steps: []models.Step{
			{
				Name:       "pick_topic",
				Prompt:     "Sales or support?",
				Input:      models.InputTypeButton,
				Validation: models.StepValidation{Choices: []string{"sales", "support"}},
				FieldKey:   "topic",
				BranchOn:   map[string]string{"sales": "sales_q", "default": "support_q"},
			},
			{Name: "sales_q", Prompt: "What would you like to buy?", Input: models.InputTypeText, FieldKey: "want"},
			{Name: "support_q", Prompt: "What is broken?", Input: models.InputTypeText, FieldKey: "issue"},
		},
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	reply, err := e.Resume(ctx, sess, incoming("sales"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "What would you like to buy?" {
		t.Errorf("expected sales branch, got %+v", reply)
	}
	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	if sess.CurrentStep != "sales_q" {
		t.Errorf("expected session at sales_q, got %s", sess.CurrentStep)
	}
}

func TestBranchChoiceRejected(t *testing.T) {
	f := models.Flow{
		ID:   "flow-support",
		Name: "Support",
		Steps: []models.Step{
			{
				Name:       "pick_topic",
				Prompt:     "Sales or support?",
				Input:      models.InputTypeButton,
				Validation: models.StepValidation{Choices: []string{"sales", "support"}, ErrorHint: "Tap one of the buttons."},
				FieldKey:   "topic",
			},
			{Name: "done", Prompt: "Thanks.", Input: models.InputTypeText},
		},
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	reply, err := e.Resume(ctx, sess, incoming("maybe"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Tap one of the buttons.\nSales or support?" {
		t.Errorf("expected choice re-prompt with hint, got %+v", reply)
	}
}

func TestPatternValidation(t *testing.T) {
	f := models.Flow{
		ID:   "flow-email",
		Name: "Email capture",
		Steps: []models.Step{
			{
				Name:       "ask_email",
				Prompt:     "Email?",
				Input:      models.InputTypeText,
				Validation: models.StepValidation{Pattern: `[^@\s]+@[^@\s]+`},
				FieldKey:   "email",
			},
		},
		CompletionMessage: "Got it: {{email}}",
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	reply, err := e.Resume(ctx, sess, incoming("not-an-email"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text == "Got it: not-an-email" {
		t.Errorf("expected pattern rejection, got %+v", reply)
	}

	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	reply, err = e.Resume(ctx, sess, incoming("alice@example.com"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Got it: alice@example.com" {
		t.Errorf("expected completion after valid email, got %+v", reply)
	}
}

func TestStructuredReplyConsumed(t *testing.T) {
	f := models.Flow{
		ID:   "flow-form",
		Name: "Contact form",
		Steps: []models.Step{
			{
				Name:   "fill_form",
				Prompt: "Please fill the contact form.",
				Input:  models.InputTypeStructured,
				Fields: []models.FieldMapping{
					{Field: "name", Required: true},
					{Field: "company", Key: "org"},
				},
			},
		},
		CompletionMessage: "Thanks, {{name}}!",
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	msg := incoming("")
	msg.ContentType = models.ContentTypeStructured
	msg.Structured = models.StructuredReply{"name": "Alice", "company": "Acme"}

	reply, err := e.Resume(ctx, sess, msg)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Thanks, Alice!" {
		t.Errorf("expected structured completion, got %+v", reply)
	}
}

func TestStructuredReplyMissingRequiredField(t *testing.T) {
	f := models.Flow{
		ID:   "flow-form",
		Name: "Contact form",
		Steps: []models.Step{
			{
				Name:   "fill_form",
				Prompt: "Please fill the contact form.",
				Input:  models.InputTypeStructured,
				Fields: []models.FieldMapping{{Field: "name", Required: true}},
			},
		},
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	msg := incoming("")
	msg.ContentType = models.ContentTypeStructured
	msg.Structured = models.StructuredReply{"company": "Acme"}

	reply, err := e.Resume(ctx, sess, msg)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Missing required field: name\nPlease fill the contact form." {
		t.Errorf("expected missing-field re-prompt, got %+v", reply)
	}
	sess, _ = st.GetActiveSession("+15551234", "acct-1")
	if sess == nil || sess.CurrentStep != "fill_form" {
		t.Errorf("session must stay on the structured step, got %+v", sess)
	}
}

func TestResumeReplaysStaleSnapshotAfterConflict(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	ctx := context.Background()
	if _, err := e.Start(ctx, "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Two messages from the same sender race: each holds its own snapshot
	// of the session parked on ask_name.
	first, _ := st.GetActiveSession("+15551234", "acct-1")
	second, _ := st.GetActiveSession("+15551234", "acct-1")

	if _, err := e.Resume(ctx, first, incoming("Alice")); err != nil {
		t.Fatalf("first Resume failed: %v", err)
	}

	// The second snapshot is stale now. Its save must not clobber the first
	// answer; the message is replayed against the advanced session, so it
	// answers ask_color and completes the flow.
	reply, err := e.Resume(ctx, second, incoming("blue"))
	if err != nil {
		t.Fatalf("second Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "All set, Alice!" {
		t.Fatalf("expected completion with the first answer intact, got %+v", reply)
	}
	if second.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed session, got status %q", second.Status)
	}
	if second.Data["name"] != "Alice" {
		t.Errorf("first answer was overwritten: %+v", second.Data)
	}
	if second.Data["color"] != "blue" {
		t.Errorf("second message was not consumed by ask_color: %+v", second.Data)
	}
}

func TestResumeConflictWithForeignSessionSurfaces(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	ctx := context.Background()
	if _, err := e.Start(ctx, "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stale, _ := st.GetActiveSession("+15551234", "acct-1")

	// The session completes under the snapshot, then a new one starts for
	// the same pair. The stale write must not be replayed into it.
	live, _ := st.GetActiveSession("+15551234", "acct-1")
	if _, err := e.Resume(ctx, live, incoming("Alice")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := e.Resume(ctx, live, incoming("blue")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := e.Start(ctx, "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if _, err := e.Resume(ctx, stale, incoming("Mallory")); !errors.Is(err, models.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict for a foreign active session, got %v", err)
	}
	fresh, _ := st.GetActiveSession("+15551234", "acct-1")
	if fresh == nil || fresh.CurrentStep != "ask_name" || len(fresh.Data) != 0 {
		t.Errorf("new session must be untouched by the stale write: %+v", fresh)
	}
}

func TestStructuredReplyPartialPayloadWritesNothing(t *testing.T) {
	f := models.Flow{
		ID:   "flow-form",
		Name: "Contact form",
		Steps: []models.Step{
			{
				Name:   "fill_form",
				Prompt: "Please fill the contact form.",
				Input:  models.InputTypeStructured,
				Fields: []models.FieldMapping{
					{Field: "company", Key: "org"},
					{Field: "name", Required: true},
				},
			},
		},
	}
	e, st := newEngine(t, f)
	ctx := context.Background()
	if _, err := e.Start(ctx, f.ID, "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	// The optional field is present but the required one is missing; the
	// re-prompt must not leave the optional value behind in session data.
	msg := incoming("")
	msg.ContentType = models.ContentTypeStructured
	msg.Structured = models.StructuredReply{"company": "Acme"}

	reply, err := e.Resume(ctx, sess, msg)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Missing required field: name\nPlease fill the contact form." {
		t.Fatalf("expected missing-field re-prompt, got %+v", reply)
	}

	stored, _ := st.GetActiveSession("+15551234", "acct-1")
	if stored == nil || stored.CurrentStep != "fill_form" {
		t.Fatalf("session must stay on the structured step, got %+v", stored)
	}
	if len(stored.Data) != 0 {
		t.Errorf("rejected payload leaked into session data: %+v", stored.Data)
	}
}

func TestStructuredDegradesToTextOnTextStep(t *testing.T) {
	e, st := newEngine(t, onboardingFlow())
	ctx := context.Background()
	if _, err := e.Start(ctx, "flow-onboard", "+15551234", "acct-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, _ := st.GetActiveSession("+15551234", "acct-1")

	// A structured payload on a plain text step falls back to the message
	// text instead of erroring.
	msg := incoming("Alice")
	msg.ContentType = models.ContentTypeText
	msg.Structured = models.StructuredReply{"unexpected": "payload"}

	reply, err := e.Resume(ctx, sess, msg)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply == nil || reply.Text != "Nice to meet you, Alice. Favorite color?" {
		t.Errorf("expected plain-text handling, got %+v", reply)
	}
}

func TestSubstitute(t *testing.T) {
	data := map[string]string{"name": "Alice", "color": "blue"}
	cases := []struct {
		in   string
		want string
	}{
		{"Hi {{name}}", "Hi Alice"},
		{"{{ name }} likes {{color}}", "Alice likes blue"},
		{"No placeholders", "No placeholders"},
		{"Unknown {{field}}", "Unknown {{field}}"},
	}
	for _, c := range cases {
		if got := Substitute(c.in, data); got != c.want {
			t.Errorf("Substitute(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
