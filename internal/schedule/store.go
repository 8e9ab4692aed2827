package schedule

import (
	"context"
	"time"
)

// Store is durable CRUD over entries plus the atomic claim.
type Store interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	// Update replaces the definition fields. LastFiredAt is left alone.
	Update(ctx context.Context, e Entry) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// Delete is an administrative escape hatch; the scheduler only disables.
	Delete(ctx context.Context, id string) error

	// Register upserts a configured entry. An existing entry keeps its
	// LastFiredAt, and keeps its definition too unless force is set.
	Register(ctx context.Context, e Entry, force bool) (RegisterResult, error)

	// DueEntries returns enabled entries with an unclaimed occurrence <= now.
	// It has no side effects.
	DueEntries(ctx context.Context, now time.Time) ([]Due, error)
	// MarkFired claims occurrence firedAt for id. It returns
	// ErrDuplicateScheduleClaim if the occurrence (or a later one) was
	// already claimed.
	MarkFired(ctx context.Context, id string, firedAt time.Time) error

	Close() error
}

type RegisterResult string

const (
	Created   RegisterResult = "created"
	Updated   RegisterResult = "updated"
	Unchanged RegisterResult = "unchanged"
	Preserved RegisterResult = "preserved"
)

// Due is an entry together with the occurrence it owes.
type Due struct {
	Entry
	Occurrence time.Time
}

// DefaultTolerance is the clock-skew window used when none is configured.
const DefaultTolerance = 250 * time.Millisecond

// Options control how stores evaluate due entries.
type Options struct {
	// Location is the default timezone for cron expressions.
	Location *time.Location
	// Tolerance absorbs clock skew: a stored LastFiredAt within Tolerance
	// of an occurrence counts as that occurrence having fired.
	Tolerance time.Duration
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}
