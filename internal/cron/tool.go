package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/minibot/internal/bus"
)

// Tool exposes the scheduler to the model: add reminders, list them, remove
// them. New jobs route their firings back to the conversation bound at
// request time.
type Tool struct {
	service *Service
	channel string
	chatID  string
}

func NewTool(service *Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) Name() string { return "cron" }
func (t *Tool) Description() string {
	return "Schedule reminders and recurring prompts. Actions: add (with message and either in_seconds, every_seconds, or cron), list, remove (with id)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["add", "list", "remove"]},
			"name": {"type": "string", "description": "Short job name (add)."},
			"message": {"type": "string", "description": "Prompt delivered when the job fires (add)."},
			"in_seconds": {"type": "integer", "description": "Fire once after this many seconds (add)."},
			"every_seconds": {"type": "integer", "description": "Fire repeatedly at this interval (add)."},
			"cron": {"type": "string", "description": "Standard cron expression (add)."},
			"id": {"type": "string", "description": "Job id (remove)."}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(args)
	case "list":
		return t.list(), nil
	case "remove":
		id, _ := args["id"].(string)
		if err := t.service.Remove(id); err != nil {
			return "", err
		}
		return "Removed job " + id, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (t *Tool) add(args map[string]any) (string, error) {
	message, _ := args["message"].(string)
	name, _ := args["name"].(string)
	if name == "" {
		name = "reminder"
	}

	var at time.Time
	if secs := floatArg(args, "in_seconds"); secs > 0 {
		at = time.Now().Add(time.Duration(secs) * time.Second)
	}
	every := time.Duration(floatArg(args, "every_seconds")) * time.Second
	expr, _ := args["cron"].(string)

	schedule, err := NewSchedule(at, every, expr)
	if err != nil {
		return "", err
	}

	origin := bus.Origin{Channel: t.channel, ChatID: t.chatID}
	if origin.Channel == "" {
		origin = bus.Origin{Channel: bus.DefaultChannel, ChatID: "direct"}
	}

	job, err := t.service.Add(name, message, schedule, origin)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled job %s (%s), next run %s.", job.ID, job.Schedule.Describe(), job.NextRun.Format(time.RFC3339)), nil
}

func (t *Tool) list() string {
	jobs := t.service.List()
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}
	var sb strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&sb, "%s  %s  %s  next %s\n", job.ID, job.Name, job.Schedule.Describe(), job.NextRun.Format(time.RFC3339))
	}
	return sb.String()
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
