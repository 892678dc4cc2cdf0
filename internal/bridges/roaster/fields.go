package roaster

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// FieldID is a status address reported by the controller.
type FieldID int

// Monitored fields, numbered by their wire address.
const (
	FieldDrumTemp     FieldID = 1
	FieldChamberTemp  FieldID = 2
	FieldExhaustTemp  FieldID = 3
	FieldFlame        FieldID = 4
	FieldDrumRelay    FieldID = 5
	FieldCoolingRelay FieldID = 6
	FieldExhaustRelay FieldID = 7
	FieldGasRelay     FieldID = 8
	FieldIgnitor      FieldID = 9
	FieldValve        FieldID = 10
)

// FieldKind selects how incoming values are applied to a field.
type FieldKind int

const (
	// KindTemperature values are last-write-wins and notify on every report.
	KindTemperature FieldKind = iota + 1

	// KindFlag values are booleans. Only 0 and 1 are accepted and listeners
	// fire on edges only.
	KindFlag

	// KindLevel values notify only when the value changes.
	KindLevel
)

func (k FieldKind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindFlag:
		return "flag"
	case KindLevel:
		return "level"
	default:
		return "unknown"
	}
}

// applyFunc decides the stored value for an incoming report and whether
// listeners fire.
type applyFunc func(current, incoming int) (next int, notify bool)

func applyAlways(_, incoming int) (int, bool) {
	return incoming, true
}

func applyOnEdge(current, incoming int) (int, bool) {
	if incoming != 0 && incoming != 1 {
		return current, false
	}
	return incoming, incoming != current
}

func applyOnChange(current, incoming int) (int, bool) {
	return incoming, incoming != current
}

type fieldSpec struct {
	name  string
	kind  FieldKind
	apply applyFunc
}

// fieldTable is indexed by wire address. Entry 0 is unused.
var fieldTable = [...]fieldSpec{
	{},
	FieldDrumTemp:     {"drum_temp", KindTemperature, applyAlways},
	FieldChamberTemp:  {"chamber_temp", KindTemperature, applyAlways},
	FieldExhaustTemp:  {"exhaust_temp", KindTemperature, applyAlways},
	FieldFlame:        {"flame", KindFlag, applyOnEdge},
	FieldDrumRelay:    {"drum_relay", KindFlag, applyOnEdge},
	FieldCoolingRelay: {"cooling_relay", KindFlag, applyOnEdge},
	FieldExhaustRelay: {"exhaust_relay", KindFlag, applyOnEdge},
	FieldGasRelay:     {"gas_relay", KindFlag, applyOnEdge},
	FieldIgnitor:      {"ignitor", KindFlag, applyOnEdge},
	FieldValve:        {"valve", KindLevel, applyOnChange},
}

// Valid reports whether f is a monitored field.
func (f FieldID) Valid() bool {
	return f >= FieldDrumTemp && int(f) < len(fieldTable)
}

// String returns the field's snake_case name, or "field(N)" if unknown.
func (f FieldID) String() string {
	if !f.Valid() {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldTable[f].name
}

// Kind returns the field's kind, or 0 if unknown.
func (f FieldID) Kind() FieldKind {
	if !f.Valid() {
		return 0
	}
	return fieldTable[f].kind
}

// IsRelay reports whether f can be switched with CmdRelayOn/CmdRelayOff.
// The flame sensor is a flag but not a relay.
func (f FieldID) IsRelay() bool {
	return f >= FieldDrumRelay && f <= FieldIgnitor
}

// Fields returns every monitored field in address order.
func Fields() []FieldID {
	out := make([]FieldID, 0, len(fieldTable)-1)
	for i := 1; i < len(fieldTable); i++ {
		out = append(out, FieldID(i))
	}
	return out
}

// RelayFields returns the switchable relays in address order.
func RelayFields() []FieldID {
	return []FieldID{FieldDrumRelay, FieldCoolingRelay, FieldExhaustRelay, FieldGasRelay, FieldIgnitor}
}

// ParseField resolves a field name ("gas_relay") or decimal address ("8").
func ParseField(s string) (FieldID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, f := range Fields() {
		if fieldTable[f].name == name || fmt.Sprint(int(f)) == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// FieldChange is delivered to listeners after a field's stored value is
// updated (or, for temperatures, re-reported).
type FieldChange struct {
	Field    FieldID   `json:"field"`
	Name     string    `json:"name"`
	Value    int       `json:"value"`
	Previous int       `json:"previous"`
	At       time.Time `json:"at"`
}

// On reports the value as a boolean, for flag fields.
func (c FieldChange) On() bool {
	return c.Value != 0
}

// State is a point-in-time copy of the device state.
type State struct {
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
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Value returns the raw integer value of f; flags are 0 or 1.
func (s State) Value(f FieldID) (int, bool) {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	switch f {
	case FieldDrumTemp:
		return s.DrumTemp, true
	case FieldChamberTemp:
		return s.ChamberTemp, true
	case FieldExhaustTemp:
		return s.ExhaustTemp, true
	case FieldFlame:
		return b(s.Flame), true
	case FieldDrumRelay:
		return b(s.DrumRelay), true
	case FieldCoolingRelay:
		return b(s.CoolingRelay), true
	case FieldExhaustRelay:
		return b(s.ExhaustRelay), true
	case FieldGasRelay:
		return b(s.GasRelay), true
	case FieldIgnitor:
		return b(s.Ignitor), true
	case FieldValve:
		return s.Valve, true
	default:
		return 0, false
	}
}

// DeviceState holds the last known value of every field. Temperatures start
// at 0, flags at off and the valve at 0.
//
// Thread Safety:
//   - apply is called from the drain goroutine only; snapshot may be called
//     from anywhere.
type DeviceState struct {
	mu        sync.RWMutex
	values    [len(fieldTable)]int
	updatedAt time.Time
}

// apply runs the field's apply rule. It returns the change and true when
// listeners should fire.
func (d *DeviceState) apply(f FieldID, value int, at time.Time) (FieldChange, bool) {
	if !f.Valid() {
		return FieldChange{}, false
	}
	spec := fieldTable[f]

	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.values[f]
	next, notify := spec.apply(previous, value)
	if !notify {
		return FieldChange{}, false
	}
	d.values[f] = next
	d.updatedAt = at

	return FieldChange{
		Field:    f,
		Name:     spec.name,
		Value:    next,
		Previous: previous,
		At:       at,
	}, true
}

func (d *DeviceState) snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := d.values
	return State{
		DrumTemp:     v[FieldDrumTemp],
		ChamberTemp:  v[FieldChamberTemp],
		ExhaustTemp:  v[FieldExhaustTemp],
		Flame:        v[FieldFlame] == 1,
		DrumRelay:    v[FieldDrumRelay] == 1,
		CoolingRelay: v[FieldCoolingRelay] == 1,
		ExhaustRelay: v[FieldExhaustRelay] == 1,
		GasRelay:     v[FieldGasRelay] == 1,
		Ignitor:      v[FieldIgnitor] == 1,
		Valve:        v[FieldValve],
		UpdatedAt:    d.updatedAt,
	}
}
