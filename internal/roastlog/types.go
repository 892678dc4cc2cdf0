package roastlog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TimerState is the roast timer's state.
type TimerState string

const (
	StateIdle    TimerState = "idle"
	StateRunning TimerState = "running"
	StatePaused  TimerState = "paused"
)

// EventKind labels a row in the roast event log.
type EventKind string

const (
	EventStart       EventKind = "start"
	EventPause       EventKind = "pause"
	EventResume      EventKind = "resume"
	EventReset       EventKind = "reset"
	EventFirstCrack  EventKind = "first_crack"
	EventSecondCrack EventKind = "second_crack"
)

// Crack identifies a crack mark.
type Crack string

const (
	FirstCrack  Crack = "first"
	SecondCrack Crack = "second"
)

// ParseCrack accepts "first"/"second" (also "1"/"2").
func ParseCrack(s string) (Crack, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first", "1", "first_crack":
		return FirstCrack, nil
	case "second", "2", "second_crack":
		return SecondCrack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCrack, s)
	}
}

func (c Crack) event() EventKind {
	if c == SecondCrack {
		return EventSecondCrack
	}
	return EventFirstCrack
}

// Roast is one roast session.
type Roast struct {
	ID        string     `json:"id"`
	RoasterID string     `json:"roaster_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
	Notes     string     `json:"notes,omitempty"`
}

// Sample is the device state captured at one sample tick. Crack flags are
// set only on the first sample after the crack was marked.
type Sample struct {
	ID           int64     `json:"id,omitempty"`
	RoastID      string    `json:"roast_id"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	RecordedAt   time.Time `json:"recorded_at"`
	DrumTemp     int       `json:"drum_temp"`
	ChamberTemp  int       `json:"chamber_temp"`
	ExhaustTemp  int       `json:"exhaust_temp"`
	Flame        bool      `json:"flame"`
	DrumRelay    bool      `json:"drum_relay"`
	CoolingRelay bool      `json:"cooling_relay"`
	ExhaustRelay bool      `json:"exhaust_relay"`
	GasRelay     bool      `json:"gas_relay"`
	Ignitor      bool      `json:"ignitor"`
	Valve        int       `json:"valve"`
	FirstCrack   bool      `json:"first_crack"`
	SecondCrack  bool      `json:"second_crack"`
}

// fields returns the sample as telemetry fields.
func (s Sample) fields() map[string]interface{} {
	return map[string]interface{}{
		"elapsed_ms":    s.ElapsedMS,
		"drum_temp":     s.DrumTemp,
		"chamber_temp":  s.ChamberTemp,
		"exhaust_temp":  s.ExhaustTemp,
		"flame":         s.Flame,
		"drum_relay":    s.DrumRelay,
		"cooling_relay": s.CoolingRelay,
		"exhaust_relay": s.ExhaustRelay,
		"gas_relay":     s.GasRelay,
		"ignitor":       s.Ignitor,
		"valve":         s.Valve,
		"first_crack":   s.FirstCrack,
		"second_crack":  s.SecondCrack,
	}
}

// Event is a timer transition or crack mark.
type Event struct {
	ID         int64     `json:"id,omitempty"`
	RoastID    string    `json:"roast_id"`
	Kind       EventKind `json:"kind"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Status is a snapshot of the recorder.
type Status struct {
	State       TimerState `json:"state"`
	RoastID     string     `json:"roast_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms"`
	Samples     int        `json:"samples"`
	FirstCrack  bool       `json:"first_crack"`
	SecondCrack bool       `json:"second_crack"`
}

// Repository stores roasts, samples and events.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	CreateRoast(ctx context.Context, roast *Roast) error

	// FinishRoast sets the end time and final elapsed time.
	FinishRoast(ctx context.Context, id string, endedAt time.Time, elapsedMS int64) error

	AppendSample(ctx context.Context, sample *Sample) error
	RecordEvent(ctx context.Context, event *Event) error

	// ListRoasts returns roasts newest first.
	ListRoasts(ctx context.Context, limit int) ([]Roast, error)

	// GetRoast returns ErrRoastNotFound for an unknown ID.
	GetRoast(ctx context.Context, id string) (*Roast, error)

	// GetSamples returns the roast's samples in elapsed order.
	GetSamples(ctx context.Context, roastID string) ([]Sample, error)

	// GetEvents returns the roast's events in the order they occurred.
	GetEvents(ctx context.Context, roastID string) ([]Event, error)
}
