// Package cron schedules reminders and recurring agent prompts. Jobs persist
// to a JSON file in the workspace and fire as system messages on the bus, so
// the agent loop handles them like any other inbound work.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule describes when a job fires: once at a fixed time, every interval,
// or on a cron expression.
type Schedule struct {
	Kind     string        `json:"kind"` // "at", "every", or "cron"
	At       time.Time     `json:"at,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	CronExpr string        `json:"cron_expr,omitempty"`
}

// NewSchedule validates and normalizes a schedule.
func NewSchedule(at time.Time, every time.Duration, expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case !at.IsZero():
		return Schedule{Kind: "at", At: at}, nil
	case every > 0:
		if every < time.Second {
			return Schedule{}, fmt.Errorf("interval too short: %s", every)
		}
		return Schedule{Kind: "every", Every: every}, nil
	case expr != "":
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return Schedule{Kind: "cron", CronExpr: expr}, nil
	default:
		return Schedule{}, fmt.Errorf("schedule requires a time, an interval, or a cron expression")
	}
}

// Next returns the next firing after now. ok is false when the schedule has
// no further firings (a one-shot already in the past).
func (s Schedule) Next(now time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case "at":
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case "cron":
		parsed, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		n := parsed.Next(now)
		return n, !n.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Describe renders the schedule for listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case "at":
		return "at " + s.At.Format(time.RFC3339)
	case "every":
		return "every " + s.Every.String()
	case "cron":
		return "cron " + s.CronExpr
	default:
		return s.Kind
	}
}
