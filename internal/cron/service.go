package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/observability"
)

const defaultTick = 15 * time.Second

// Job is one scheduled prompt. When it fires, Message is delivered to the
// agent loop as a system message whose reply routes to Origin.
type Job struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Schedule Schedule   `json:"schedule"`
	Message  string     `json:"message"`
	Origin   bus.Origin `json:"origin"`
	Enabled  bool       `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
}

// Service owns the job set, persists it to disk, and fires due jobs onto the
// message bus.
type Service struct {
	path   string
	bus    *bus.MessageBus
	logger *observability.Logger
	now    func() time.Time
	tick   time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewService loads persisted jobs from dir/cron.json.
func NewService(dir string, mbus *bus.MessageBus, logger *observability.Logger) (*Service, error) {
	s := &Service{
		path:   filepath.Join(dir, "cron.json"),
		bus:    mbus,
		logger: logger,
		now:    time.Now,
		tick:   defaultTick,
		jobs:   make(map[string]*Job),
		stop:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers a job and persists the set. The first firing is computed
// immediately.
func (s *Service) Add(name, message string, schedule Schedule, origin bus.Origin) (*Job, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("job message must not be empty")
	}
	now := s.now()
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("schedule has no future firings")
	}

	job := &Job{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Name:      name,
		Schedule:  schedule,
		Message:   message,
		Origin:    origin,
		Enabled:   true,
		CreatedAt: now,
		NextRun:   next,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("no such job: %s", id)
	}
	delete(s.jobs, id)
	return s.persistLocked()
}

// List returns all jobs sorted by next run time.
func (s *Service) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// Start launches the firing loop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.fireDue(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the firing loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// fireDue publishes every due job as a system message and reschedules or
// retires it.
func (s *Service) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Service) fire(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info(ctx, "cron job firing", "id", job.ID, "name", job.Name)

	origin := job.Origin
	err := s.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  bus.SystemChannel,
		SenderID: "cron:" + job.ID,
		ChatID:   origin.SessionKey(),
		Content:  fmt.Sprintf("Scheduled reminder %q fired: %s", job.Name, job.Message),
		Origin:   &origin,
	})
	if err != nil {
		s.logger.Error(ctx, "cron job failed to publish", "id", job.ID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRun = now
	next, ok, err := job.Schedule.Next(now)
	if err != nil || !ok {
		// One-shots retire after firing.
		delete(s.jobs, job.ID)
	} else {
		job.NextRun = next
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Error(ctx, "cron state persist failed", "error", err)
	}
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron state: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron state: %w", err)
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
