package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/flow"
	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

// tuesdayNoon is inside the default Mon-Fri 09:00-18:00 window.
var tuesdayNoon = time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

// tuesdayEvening is outside it.
var tuesdayEvening = time.Date(2025, 3, 11, 20, 0, 0, 0, time.UTC)

func baseSettings() models.ChatbotSettings {
	return models.ChatbotSettings{
		Enabled:            true,
		ProcessAllAccounts: true,
		BusinessHoursOnly:  true,
		BusinessHours:      models.DefaultBusinessHours(),
		OutOfHoursMessage:  "We are closed. Back at 9am.",
		DefaultResponse:    "Thanks for reaching out!",
	}
}

// countingStore wraps a Store and counts session lookups.
type countingStore struct {
	store.Store
	activeLookups atomic.Int64
}

func (c *countingStore) GetActiveSession(phone, account string) (*models.Session, error) {
	c.activeLookups.Add(1)
	return c.Store.GetActiveSession(phone, account)
}

type fixture struct {
	store     *store.InMemoryStore
	messenger *messaging.MockService
	processor *Processor
}

func newFixture(t *testing.T, settings models.ChatbotSettings, at time.Time, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	clock := func() time.Time { return at }
	messenger := messaging.NewMockService()
	engine := flow.NewEngine(st, flow.WithClock(clock))
	opts = append(opts, WithClock(clock))
	return &fixture{
		store:     st,
		messenger: messenger,
		processor: NewProcessor(st, engine, messenger, opts...),
	}
}

func inbound(id, text string) *models.Message {
	return &models.Message{
		ID:          id,
		From:        "+15551234",
		Text:        text,
		ContentType: models.ContentTypeText,
		Account:     "acct-1",
		Direction:   models.DirectionIncoming,
		Time:        tuesdayNoon,
	}
}

func TestRouteIgnoresOutgoingAndTagged(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)

	out := inbound("m1", "hello")
	out.Direction = models.DirectionOutgoing
	if reply := f.processor.Route(context.Background(), out); reply != nil {
		t.Errorf("outgoing record must not be routed, got %+v", reply)
	}

	tagged := inbound("m2", "hello")
	tagged.SkipRouting = true
	if reply := f.processor.Route(context.Background(), tagged); reply != nil {
		t.Errorf("skip-routing record must not be routed, got %+v", reply)
	}
	if len(f.messenger.Sent()) != 0 {
		t.Errorf("nothing should be delivered, got %+v", f.messenger.Sent())
	}
}

func TestRouteDisabledSettings(t *testing.T) {
	settings := baseSettings()
	settings.Enabled = false
	f := newFixture(t, settings, tuesdayNoon)

	if reply := f.processor.Route(context.Background(), inbound("m1", "hello")); reply != nil {
		t.Errorf("disabled chatbot must produce nothing, got %+v", reply)
	}
}

func TestRouteExcludedNumber(t *testing.T) {
	settings := baseSettings()
	settings.ExcludedNumbers = []string{"+15551234"}
	f := newFixture(t, settings, tuesdayNoon)

	if reply := f.processor.Route(context.Background(), inbound("m1", "hello")); reply != nil {
		t.Errorf("excluded number must produce nothing, got %+v", reply)
	}
}

func TestRouteAccountScope(t *testing.T) {
	settings := baseSettings()
	settings.ProcessAllAccounts = false
	settings.Account = "acct-main"
	f := newFixture(t, settings, tuesdayNoon)

	msg := inbound("m1", "hello")
	msg.Account = "acct-other"
	if reply := f.processor.Route(context.Background(), msg); reply != nil {
		t.Errorf("out-of-scope account must produce nothing, got %+v", reply)
	}
}

func TestRouteOutOfHoursShortCircuit(t *testing.T) {
	counting := &countingStore{Store: store.NewInMemoryStore()}
	if err := counting.SaveSettings(baseSettings()); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	clock := func() time.Time { return tuesdayEvening }
	messenger := messaging.NewMockService()
	engine := flow.NewEngine(counting, flow.WithClock(clock))
	p := NewProcessor(counting, engine, messenger, WithClock(clock))

	reply := p.Route(context.Background(), inbound("m1", "hello"))
	if reply == nil || reply.Text != "We are closed. Back at 9am." {
		t.Fatalf("expected out-of-hours message, got %+v", reply)
	}

	// Nothing else ran: the session strategy was never consulted.
	if n := counting.activeLookups.Load(); n != 0 {
		t.Errorf("expected no session lookups out of hours, got %d", n)
	}
	sent := messenger.Sent()
	if len(sent) != 1 || sent[0].Reply.Text != "We are closed. Back at 9am." {
		t.Errorf("expected exactly one out-of-hours delivery, got %+v", sent)
	}
}

func TestRouteKeywordEndToEnd(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	if err := f.store.SaveKeywordRule(models.KeywordRule{
		ID: "greet", Trigger: "hello", Response: *models.TextReply("Hi there!"),
	}); err != nil {
		t.Fatalf("SaveKeywordRule failed: %v", err)
	}

	reply := f.processor.Route(context.Background(), inbound("m1", "hello"))
	if reply == nil || reply.Text != "Hi there!" {
		t.Fatalf("expected keyword reply, got %+v", reply)
	}

	sent := f.messenger.Sent()
	if len(sent) != 1 || sent[0].Reply.Text != "Hi there!" || sent[0].To != "+15551234" {
		t.Fatalf("expected one delivery to the sender, got %+v", sent)
	}

	// The outbound record is persisted and tagged so it cannot re-route.
	msgs, err := f.store.GetMessages("+15551234", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].SkipRouting || msgs[0].Direction != models.DirectionOutgoing {
		t.Errorf("expected tagged outbound record, got %+v", msgs)
	}
}

func TestRouteKeywordPriority(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	rules := []models.KeywordRule{
		{ID: "low", Trigger: "order", Priority: 5, Response: *models.TextReply("low")},
		{ID: "high", Trigger: "order", Priority: 10, Response: *models.TextReply("high")},
	}
	for _, r := range rules {
		if err := f.store.SaveKeywordRule(r); err != nil {
			t.Fatalf("SaveKeywordRule failed: %v", err)
		}
	}
	reply := f.processor.Route(context.Background(), inbound("m1", "order status"))
	if reply == nil || reply.Text != "high" {
		t.Errorf("expected priority 10 to beat 5, got %+v", reply)
	}
}

func TestRouteDefaultResponse(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	reply := f.processor.Route(context.Background(), inbound("m1", "something unmatched"))
	if reply == nil || reply.Text != "Thanks for reaching out!" {
		t.Errorf("expected static default, got %+v", reply)
	}
}

func TestRouteNoDefaultProducesNothing(t *testing.T) {
	settings := baseSettings()
	settings.DefaultResponse = ""
	f := newFixture(t, settings, tuesdayNoon)

	reply := f.processor.Route(context.Background(), inbound("m1", "something unmatched"))
	if reply != nil {
		t.Errorf("expected no reply without a default, got %+v", reply)
	}
	if len(f.messenger.Sent()) != 0 {
		t.Errorf("nothing should be delivered, got %+v", f.messenger.Sent())
	}
}

func TestRouteDuplicateDropped(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)

	g := f.processor.guard
	if ok, _ := g.Admit(context.Background(), "m1"); !ok {
		t.Fatal("pre-claim failed")
	}
	reply := f.processor.Route(context.Background(), inbound("m1", "hello"))
	if reply != nil {
		t.Errorf("in-flight duplicate must be dropped, got %+v", reply)
	}

	// After release the same ID routes normally.
	g.Release(context.Background(), "m1")
	reply = f.processor.Route(context.Background(), inbound("m1", "hello"))
	if reply == nil {
		t.Error("expected reply after release")
	}
}

func TestRouteFlowTriggerStartsSession(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	if err := f.store.SaveFlow(models.Flow{
		ID: "flow-onboard", Name: "Onboarding", Triggers: []string{"sign me up"},
		Steps: []models.Step{
			{Name: "ask_name", Prompt: "What is your name?", Input: models.InputTypeText, FieldKey: "name"},
		},
		CompletionMessage: "Welcome, {{name}}!",
	}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	reply := f.processor.Route(context.Background(), inbound("m1", "sign me up"))
	if reply == nil || reply.Text != "What is your name?" {
		t.Fatalf("expected first prompt, got %+v", reply)
	}
	sess, _ := f.store.GetActiveSession("+15551234", "acct-1")
	if sess == nil {
		t.Fatal("expected active session after trigger")
	}

	// The next message resumes the session ahead of every other strategy.
	reply = f.processor.Route(context.Background(), inbound("m2", "Alice"))
	if reply == nil || reply.Text != "Welcome, Alice!" {
		t.Errorf("expected completion, got %+v", reply)
	}
}

func TestRouteSessionBeatsKeyword(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	if err := f.store.SaveKeywordRule(models.KeywordRule{
		ID: "greet", Trigger: "hello", Response: *models.TextReply("Hi there!"),
	}); err != nil {
		t.Fatalf("SaveKeywordRule failed: %v", err)
	}
	if err := f.store.SaveFlow(models.Flow{
		ID: "flow-onboard", Name: "Onboarding", Triggers: []string{"sign me up"},
		Steps: []models.Step{
			{Name: "ask_name", Prompt: "What is your name?", Input: models.InputTypeText, FieldKey: "name"},
			{Name: "ask_color", Prompt: "Favorite color?", Input: models.InputTypeText, FieldKey: "color"},
		},
	}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	if reply := f.processor.Route(context.Background(), inbound("m1", "sign me up")); reply == nil {
		t.Fatal("expected flow start")
	}

	// "hello" would match the keyword rule, but the active session wins.
	reply := f.processor.Route(context.Background(), inbound("m2", "hello"))
	if reply == nil || reply.Text != "Favorite color?" {
		t.Errorf("expected session consumption over keyword match, got %+v", reply)
	}
}

func TestRouteKeywordFlowTriggerResponse(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	if err := f.store.SaveFlow(models.Flow{
		ID: "flow-survey", Name: "Survey",
		Steps: []models.Step{
			{Name: "q1", Prompt: "How did we do?", Input: models.InputTypeText, FieldKey: "rating"},
		},
	}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if err := f.store.SaveKeywordRule(models.KeywordRule{
		ID: "survey", Trigger: "feedback",
		Response: models.Reply{Type: models.ReplyTypeFlowTrigger, FlowID: "flow-survey"},
	}); err != nil {
		t.Fatalf("SaveKeywordRule failed: %v", err)
	}

	reply := f.processor.Route(context.Background(), inbound("m1", "feedback"))
	if reply == nil || reply.Text != "How did we do?" {
		t.Errorf("expected flow started by keyword response, got %+v", reply)
	}
	sess, _ := f.store.GetActiveSession("+15551234", "acct-1")
	if sess == nil || sess.FlowID != "flow-survey" {
		t.Errorf("expected survey session, got %+v", sess)
	}
}

func TestRouteScriptKeywordResponse(t *testing.T) {
	exec := flow.NewFuncExecutor()
	exec.Register("quote_of_day", func(_ context.Context, _ map[string]string) (*models.Reply, error) {
		return models.TextReply("Stay curious."), nil
	})
	f := newFixture(t, baseSettings(), tuesdayNoon, WithExecutor(exec))
	if err := f.store.SaveKeywordRule(models.KeywordRule{
		ID: "quote", Trigger: "quote",
		Response: models.Reply{Type: models.ReplyTypeScript, ScriptRef: "quote_of_day"},
	}); err != nil {
		t.Fatalf("SaveKeywordRule failed: %v", err)
	}

	reply := f.processor.Route(context.Background(), inbound("m1", "quote"))
	if reply == nil || reply.Text != "Stay curious." {
		t.Errorf("expected script-produced reply, got %+v", reply)
	}
}

func TestRouteStructuredReplyEndToEnd(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	if err := f.store.SaveFlow(models.Flow{
		ID: "flow-form", Name: "Contact form", Triggers: []string{"contact"},
		Steps: []models.Step{
			{
				Name: "fill_form", Prompt: "Please fill the form.", Input: models.InputTypeStructured,
				Fields: []models.FieldMapping{{Field: "name", Required: true}},
			},
		},
		CompletionMessage: "Thanks, {{name}}!",
	}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	if reply := f.processor.Route(context.Background(), inbound("m1", "contact")); reply == nil {
		t.Fatal("expected flow start")
	}

	structured := inbound("m2", "")
	structured.ContentType = models.ContentTypeStructured
	structured.Structured = models.StructuredReply{"name": "Alice"}

	reply := f.processor.Route(context.Background(), structured)
	if reply == nil || reply.Text != "Thanks, Alice!" {
		t.Errorf("expected structured completion, got %+v", reply)
	}
}

// stubResponder returns a fixed reply or error.
type stubResponder struct {
	reply string
	err   error
	calls int
}

func (s *stubResponder) Generate(_ context.Context, _ string, _ []models.SessionMessage, _ string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestRouteAIFallback(t *testing.T) {
	settings := baseSettings()
	settings.EnableAI = true
	settings.AI = models.AIConfig{Provider: models.AIProviderOpenAI, APIKey: "test"}
	responder := &stubResponder{reply: "We ship worldwide."}
	f := newFixture(t, settings, tuesdayNoon, WithResponder(responder))

	reply := f.processor.Route(context.Background(), inbound("m1", "do you ship to Canada?"))
	if reply == nil || reply.Text != "We ship worldwide." {
		t.Errorf("expected AI reply, got %+v", reply)
	}
	if responder.calls != 1 {
		t.Errorf("expected one responder call, got %d", responder.calls)
	}
}

func TestRouteAIFailureFallsToDefault(t *testing.T) {
	settings := baseSettings()
	settings.EnableAI = true
	settings.AI = models.AIConfig{Provider: models.AIProviderOpenAI, APIKey: "test"}
	responder := &stubResponder{err: errors.New("rate limited")}
	f := newFixture(t, settings, tuesdayNoon, WithResponder(responder))

	reply := f.processor.Route(context.Background(), inbound("m1", "anything"))
	if reply == nil || reply.Text != "Thanks for reaching out!" {
		t.Errorf("expected fall-through to static default, got %+v", reply)
	}
}

func TestRouteKeywordBeatsAI(t *testing.T) {
	settings := baseSettings()
	settings.EnableAI = true
	settings.AI = models.AIConfig{Provider: models.AIProviderOpenAI, APIKey: "test"}
	responder := &stubResponder{reply: "AI answer"}
	f := newFixture(t, settings, tuesdayNoon, WithResponder(responder))
	if err := f.store.SaveKeywordRule(models.KeywordRule{
		ID: "greet", Trigger: "hello", Response: *models.TextReply("Hi there!"),
	}); err != nil {
		t.Fatalf("SaveKeywordRule failed: %v", err)
	}

	reply := f.processor.Route(context.Background(), inbound("m1", "hello"))
	if reply == nil || reply.Text != "Hi there!" {
		t.Errorf("expected keyword to beat AI, got %+v", reply)
	}
	if responder.calls != 0 {
		t.Errorf("responder must not be consulted, got %d calls", responder.calls)
	}
}

func TestHandleInboundPersistsBeforeRouting(t *testing.T) {
	f := newFixture(t, baseSettings(), tuesdayNoon)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.processor.HandleInbound(ctx)
		close(done)
	}()

	f.messenger.Inject(*inbound("m1", "hi"))

	deadline := time.After(2 * time.Second)
	for {
		sent := f.messenger.Sent()
		if len(sent) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	msgs, err := f.store.GetMessages("+15551234", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	// Inbound record plus tagged outbound record.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Direction != models.DirectionIncoming || msgs[0].Text != "hi" {
		t.Errorf("expected persisted inbound record, got %+v", msgs[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound loop did not stop")
	}
}
