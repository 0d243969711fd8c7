// Package heartbeat periodically wakes the agent with a standing checklist so
// it can act proactively between user messages.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
)

// HeartbeatFile holds the standing instructions the agent re-reads on each
// beat. No file, no beats.
const HeartbeatFile = "HEARTBEAT.md"

const defaultInterval = 30 * time.Minute

// prompt asks the agent to work through the checklist without disturbing the
// user when nothing needs doing.
const prompt = "Read " + HeartbeatFile + " in your workspace and follow its instructions. " +
	"If nothing needs attention, reply with just HEARTBEAT_OK."

// Service publishes a periodic self-prompt onto the message bus while a
// heartbeat file exists in the workspace. Beats flow through the same consume
// loop as every other message, so they never race an in-flight request.
type Service struct {
	workspace string
	interval  time.Duration
	bus       *bus.MessageBus
	logger    *observability.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewService(workspace string, interval time.Duration, mbus *bus.MessageBus, logger *observability.Logger) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		workspace: workspace,
		interval:  interval,
		bus:       mbus,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches the beat loop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.beat(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the beat loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// beat enqueues one self-prompt. The beats converge in their own
// conversation, heartbeat:main.
func (s *Service) beat(ctx context.Context) {
	if !s.enabled() {
		return
	}

	origin := bus.Origin{Channel: "heartbeat", ChatID: "main"}
	err := s.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "heartbeat",
		ChatID:   origin.SessionKey(),
		Content:  prompt,
		Origin:   &origin,
	})
	if err != nil {
		s.logger.Error(ctx, "heartbeat failed to publish", "error", err)
		return
	}
	s.logger.Debug(ctx, "heartbeat dispatched")
}

// enabled reports whether a non-empty heartbeat file exists.
func (s *Service) enabled() bool {
	data, err := os.ReadFile(filepath.Join(s.workspace, HeartbeatFile))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != ""
}
