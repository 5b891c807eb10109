package messaging

import (
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
)

func inboundMessage(text string) models.Message {
	return models.Message{
		ID:          "msg-1",
		From:        "+15551234567",
		Text:        text,
		ContentType: models.ContentTypeText,
		Account:     "acct-1",
		Direction:   models.DirectionIncoming,
		Time:        time.Now(),
	}
}

func TestWhatsAppServiceEmitForwardsInbound(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient(), "acct-1")

	s.emit(inboundMessage("hello"))

	select {
	case msg := <-s.Messages():
		if msg.Text != "hello" {
			t.Errorf("expected forwarded message, got %+v", msg)
		}
	default:
		t.Fatal("expected a message on the inbound channel")
	}
}

func TestWhatsAppServiceEmitAfterStopDrops(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient(), "acct-1")
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The whatsmeow event handler stays registered after Stop; a late event
	// must be dropped, never sent on the closed channel.
	s.emit(inboundMessage("late"))

	// Second Stop is idempotent and must not double-close.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	// Drain until the delayed close; no message may have slipped through.
	deadline := time.After(time.Second)
	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				return
			}
			t.Fatalf("message emitted after Stop: %+v", msg)
		case <-deadline:
			t.Fatal("inbound channel was never closed after Stop")
		}
	}
}
