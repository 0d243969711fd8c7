package heartbeat

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func consumeOrNil(t *testing.T, mbus *bus.MessageBus) *bus.InboundMessage {
	t.Helper()
	msg, err := mbus.ConsumeInbound(context.Background(), 50*time.Millisecond)
	if errors.Is(err, bus.ErrNoMessage) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestBeatSkipsWithoutFile(t *testing.T) {
	mbus := bus.NewMessageBus()
	svc := NewService(t.TempDir(), time.Minute, mbus, testLogger())

	svc.beat(context.Background())
	if msg := consumeOrNil(t, mbus); msg != nil {
		t.Errorf("beat published %+v without a heartbeat file", msg)
	}
}

func TestBeatPublishesSystemMessage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, HeartbeatFile), []byte("- check the mail\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mbus := bus.NewMessageBus()
	svc := NewService(dir, time.Minute, mbus, testLogger())

	svc.beat(context.Background())
	msg := consumeOrNil(t, mbus)
	if msg == nil {
		t.Fatal("beat published nothing")
	}
	if msg.Channel != bus.SystemChannel {
		t.Errorf("channel = %q, want %q", msg.Channel, bus.SystemChannel)
	}
	if msg.SenderID != "heartbeat" {
		t.Errorf("sender = %q", msg.SenderID)
	}
	if msg.Content != prompt {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Origin == nil || msg.Origin.Channel != "heartbeat" || msg.Origin.ChatID != "main" {
		t.Errorf("origin = %+v, want heartbeat:main", msg.Origin)
	}
}

func TestBeatSkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, HeartbeatFile), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mbus := bus.NewMessageBus()
	svc := NewService(dir, time.Minute, mbus, testLogger())

	svc.beat(context.Background())
	if msg := consumeOrNil(t, mbus); msg != nil {
		t.Error("an effectively empty heartbeat file should disable beats")
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, HeartbeatFile), []byte("work\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mbus := bus.NewMessageBus()
	svc := NewService(dir, 10*time.Millisecond, mbus, testLogger())
	svc.Start(context.Background())
	defer svc.Stop()

	msg, err := mbus.ConsumeInbound(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("no beat within timeout: %v", err)
	}
	if msg.Channel != bus.SystemChannel {
		t.Errorf("channel = %q", msg.Channel)
	}
}
