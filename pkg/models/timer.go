package models

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerPurpose distinguishes what a durable timer resumes when it fires.
type TimerPurpose string

const (
	TimerPurposeRetry    TimerPurpose = "retry"    // redispatch a failed attempt
	TimerPurposeBoundary TimerPurpose = "boundary" // fire a boundary event
	TimerPurposeEvent    TimerPurpose = "event"    // resume an intermediate timer event
)

// Timer is a durable timer record. The sweep polls by DueAt, so executions
// hold no in-memory timer while suspended; the precomputed due time is the
// same design as a schedule row with next_due_at.
type Timer struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	NodeID      string       `json:"node_id"`
	Purpose     TimerPurpose `json:"purpose"`
	Attempt     int          `json:"attempt,omitempty"` // retry timers: the attempt to dispatch
	DueAt       time.Time    `json:"due_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

var errBadDuration = errors.New("invalid ISO-8601 duration")

// cronParser accepts standard 5-field cron specs for timeCycle timers.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextDue resolves a timer definition to its next absolute due time.
func (td TimerDefinition) NextDue(now time.Time) (time.Time, error) {
	if td.Duration != "" {
		d, err := ParseISODuration(td.Duration)
		if err != nil {
			return time.Time{}, err
		}

		return now.Add(d), nil
	}

	sched, err := cronParser.Parse(td.Cycle)
	if err != nil {
		return time.Time{}, err
	}

	return sched.Next(now), nil
}

// ParseISODuration parses the ISO-8601 duration subset used by timer
// definitions: PnDTnHnMnS with optional date part in days.
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, errBadDuration
	}

	s = s[1:]

	var total time.Duration

	datePart := s
	timePart := ""

	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}

	if datePart != "" {
		n, rest, err := leadingInt(datePart)
		if err != nil || !strings.HasPrefix(rest, "D") || len(rest) != 1 {
			return 0, errBadDuration
		}

		total += time.Duration(n) * 24 * time.Hour
	}

	for timePart != "" {
		n, rest, err := leadingInt(timePart)
		if err != nil || rest == "" {
			return 0, errBadDuration
		}

		switch rest[0] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, errBadDuration
		}

		timePart = rest[1:]
	}

	if total == 0 && orig != "P0D" && orig != "PT0S" {
		return 0, errBadDuration
	}

	return total, nil
}

func leadingInt(s string) (int64, string, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}

	if i == 0 {
		return 0, s, errBadDuration
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, s, errBadDuration
	}

	return n, s[i:], nil
}
