package session

import (
	"fmt"
	"sync"
	"time"
)

// Activity transition kinds recorded alongside the output stream.
const (
	ActivityActive = "active"
	ActivityIdle   = "idle"
)

// Marker kinds emitted in band as OSC-133 timestamp extensions.
const (
	MarkerSessionStart = "start"
	MarkerInputSubmit  = "input"
)

const idleAfter = 2 * time.Second

// Transition records an idle↔active flip or an in-band marker at an exact
// byte offset, so replaying clients can anchor scrollback to the stream.
type Transition struct {
	Offset int64  `json:"offset"`
	Kind   string `json:"kind"`
	TimeMS int64  `json:"time_ms"`
}

// activityLog tracks transitions keyed by transcript offset. Transitions
// are recorded before the bytes they describe are broadcast.
type activityLog struct {
	mu          sync.Mutex
	transitions []Transition
	max         int
	active      bool
	lastOutput  time.Time
}

func newActivityLog() *activityLog {
	return &activityLog{max: 4096}
}

// noteOutput records an idle→active transition when output resumes after
// a quiet period. Call with the offset the new bytes start at, before
// broadcasting them.
func (a *activityLog) noteOutput(offset int64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active || (a.lastOutput.IsZero() || now.Sub(a.lastOutput) >= idleAfter) {
		if !a.active {
			a.appendLocked(Transition{Offset: offset, Kind: ActivityActive, TimeMS: now.UnixMilli()})
			a.active = true
		}
	}
	a.lastOutput = now
}

// noteIdle records an active→idle transition at the current offset.
// Driven by the runtime's idle timer.
func (a *activityLog) noteIdle(offset int64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	if now.Sub(a.lastOutput) < idleAfter {
		return
	}
	a.appendLocked(Transition{Offset: offset, Kind: ActivityIdle, TimeMS: now.UnixMilli()})
	a.active = false
}

// noteMarker records an in-band marker transition.
func (a *activityLog) noteMarker(offset int64, kind string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appendLocked(Transition{Offset: offset, Kind: kind, TimeMS: now.UnixMilli()})
}

func (a *activityLog) appendLocked(t Transition) {
	a.transitions = append(a.transitions, t)
	if len(a.transitions) > a.max {
		a.transitions = a.transitions[len(a.transitions)-a.max:]
	}
}

// Since returns transitions at or after offset.
func (a *activityLog) Since(offset int64) []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Transition
	for _, t := range a.transitions {
		if t.Offset >= offset {
			out = append(out, t)
		}
	}
	return out
}

// oscMarker renders the in-band OSC-133 timestamp extension written into
// the stream at lifecycle events: ESC ] 133 ; ts:<kind> ; t=<ms> BEL.
func oscMarker(kind string, now time.Time) []byte {
	return []byte(fmt.Sprintf("\x1b]133;ts:%s;t=%d\x07", kind, now.UnixMilli()))
}
