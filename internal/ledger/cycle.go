package ledger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCycleSpec starts a billing cycle at midnight UTC on the 1st.
const DefaultCycleSpec = "0 0 1 * *"

// maxLookback bounds the search for the previous boundary. Cycles longer
// than this are not supported.
const maxLookback = 2 * 366 * 24 * time.Hour

// Cycle computes billing cycle boundaries from a cron expression.
type Cycle struct {
	spec     string
	schedule cron.Schedule
}

// NewCycle parses a standard five-field cron expression.
func NewCycle(spec string) (*Cycle, error) {
	if spec == "" {
		spec = DefaultCycleSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing cycle schedule %q: %w", spec, err)
	}
	return &Cycle{spec: spec, schedule: sched}, nil
}

// Spec returns the cron expression.
func (c *Cycle) Spec() string { return c.spec }

// Start returns the latest boundary at or before now, in UTC.
func (c *Cycle) Start(now time.Time) time.Time {
	now = now.UTC()
	window := 24 * time.Hour
	var s time.Time
	for {
		s = c.schedule.Next(now.Add(-window))
		if !s.After(now) || window >= maxLookback {
			break
		}
		window *= 2
	}
	if s.After(now) {
		return time.Time{}
	}
	for {
		next := c.schedule.Next(s)
		if next.After(now) || next.IsZero() {
			return s.UTC()
		}
		s = next
	}
}

// Next returns the first boundary strictly after now.
func (c *Cycle) Next(now time.Time) time.Time {
	return c.schedule.Next(now.UTC()).UTC()
}
