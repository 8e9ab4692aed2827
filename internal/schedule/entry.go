package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("schedule entry not found")
	ErrExists   = errors.New("schedule entry already exists")
	// ErrDuplicateScheduleClaim means another instance already claimed the
	// occurrence. The loser backs off; it is not a failure.
	ErrDuplicateScheduleClaim = errors.New("schedule occurrence already claimed")
)

// Entry is a persisted recurrence rule that produces jobs.
type Entry struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	// Timezone overrides the scheduler default for cron expressions.
	Timezone string `json:"timezone,omitempty"`
	Queue    string `json:"queue"`
	Handler  string `json:"handler"`
	// Payload is a text/template rendered at fire time.
	Payload     string     `json:"payload,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the definition fields.
func (e Entry) Validate() error {
	var probs []string
	if strings.TrimSpace(e.ID) == "" {
		probs = append(probs, "id is empty")
	}
	if strings.TrimSpace(e.Queue) == "" {
		probs = append(probs, "queue is empty")
	}
	if strings.TrimSpace(e.Handler) == "" {
		probs = append(probs, "handler is empty")
	}
	if _, err := e.Recurrence(nil); err != nil {
		probs = append(probs, err.Error())
	}
	if len(probs) > 0 {
		return fmt.Errorf("schedule %q: %s", e.ID, strings.Join(probs, "; "))
	}
	return nil
}

// Location resolves Timezone, falling back to def.
func (e Entry) Location(def *time.Location) (*time.Location, error) {
	if strings.TrimSpace(e.Timezone) == "" {
		return def, nil
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", e.Timezone, err)
	}
	return loc, nil
}

func (e Entry) Recurrence(def *time.Location) (Recurrence, error) {
	loc, err := e.Location(def)
	if err != nil {
		return Recurrence{}, err
	}
	return ParseRecurrence(e.Schedule, loc)
}

// SameDefinition reports whether two entries would produce the same jobs.
func (e Entry) SameDefinition(o Entry) bool {
	return e.Schedule == o.Schedule &&
		e.Timezone == o.Timezone &&
		e.Queue == o.Queue &&
		e.Handler == o.Handler &&
		e.Payload == o.Payload &&
		e.Enabled == o.Enabled
}

func (e Entry) clone() Entry {
	if e.LastFiredAt != nil {
		t := *e.LastFiredAt
		e.LastFiredAt = &t
	}
	return e
}
