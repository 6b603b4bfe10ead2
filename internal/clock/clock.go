// Package clock provides monotonic millisecond timestamps and unique
// opaque ids, the shared primitives every other MAF component builds on.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so tests can control time without
// sleeping. The zero value is not usable; use New or NewFrozen.
type Clock interface {
	Now() time.Time
	NowMillis() int64
}

// systemClock is the production implementation backed by time.Now.
type systemClock struct{}

// New returns the production Clock.
func New() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Frozen is a test Clock that only advances when told to. It is not
// safe for concurrent use without external synchronization, matching how
// tests in this repo drive it from a single goroutine.
type Frozen struct {
	t time.Time
}

// NewFrozen returns a Clock frozen at t.
func NewFrozen(t time.Time) *Frozen { return &Frozen{t: t} }

func (f *Frozen) Now() time.Time    { return f.t }
func (f *Frozen) NowMillis() int64  { return f.t.UnixMilli() }
func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }
func (f *Frozen) Set(t time.Time)         { f.t = t }

// IDKind namespaces generated ids so they remain distinguishable in logs
// and URLs without a central registry.
type IDKind string

const (
	KindTask      IDKind = "task"
	KindLease     IDKind = "lease"
	KindEvent     IDKind = "event"
	KindExecution IDKind = "exec"
	KindAgent     IDKind = "agent"
	KindMessage   IDKind = "msg"
	KindConflict  IDKind = "conflict"
	KindReservation IDKind = "resv"
)

// NewID returns a unique opaque id of the given kind, e.g. "task_3f9c...".
// Collisions are practically impossible (uuid v4) and every id embeds its
// kind so a bare id string is still self-describing in logs.
func NewID(kind IDKind) string {
	return string(kind) + "_" + uuid.New().String()
}
