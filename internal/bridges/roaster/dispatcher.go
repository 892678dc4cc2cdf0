package roaster

import (
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the optional logging interface used throughout the package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// FieldChangedFunc is called after a field change is applied.
// Listeners run on the drain goroutine and must not block.
type FieldChangedFunc func(FieldChange)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Logger receives decode failures and ignored lines. Optional.
	Logger Logger

	// Clock stamps field changes. Defaults to time.Now.
	Clock func() time.Time
}

// DispatcherStats are cumulative since the Dispatcher was created.
type DispatcherStats struct {
	LinesProcessed   uint64 `json:"lines_processed"`
	DecodeErrors     uint64 `json:"decode_errors"`
	ReservedCommands uint64 `json:"reserved_commands"`
	UnknownAddresses uint64 `json:"unknown_addresses"`
	FieldChanges     uint64 `json:"field_changes"`
	ListenerPanics   uint64 `json:"listener_panics"`
}

// Dispatcher decodes queued lines and applies them to the DeviceState it
// owns. The state outlives any single serial link, so a reconnect keeps the
// last known values.
type Dispatcher struct {
	state DeviceState
	now   func() time.Time

	listeners   []FieldChangedFunc
	listenersMu sync.RWMutex

	logger Logger

	linesProcessed   atomic.Uint64
	decodeErrors     atomic.Uint64
	reservedCommands atomic.Uint64
	unknownAddresses atomic.Uint64
	fieldChanges     atomic.Uint64
	listenerPanics   atomic.Uint64
}

// NewDispatcher creates a Dispatcher with all fields at their initial values.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		now:    now,
		logger: opts.Logger,
	}
}

// OnFieldChanged registers a listener. Listeners are called in
// registration order.
func (d *Dispatcher) OnFieldChanged(fn FieldChangedFunc) {
	if fn == nil {
		return
	}
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenersMu.Unlock()
}

// DrainAndApply takes every line currently on q and processes them in
// order. A malformed line is logged and skipped; the rest of the batch is
// still applied. Returns the number of field changes fired.
func (d *Dispatcher) DrainAndApply(q *LineQueue) int {
	changes := 0
	for _, line := range q.DrainAll() {
		if d.ApplyLine(line) {
			changes++
		}
	}
	return changes
}

// ApplyLine decodes and applies one line. Returns true if a listener fired.
func (d *Dispatcher) ApplyLine(line RawLine) bool {
	d.linesProcessed.Add(1)

	msg, err := Decode(string(line))
	if err != nil {
		d.decodeErrors.Add(1)
		d.logWarn("discarding malformed line", "line", string(line), "error", err)
		return false
	}

	_, fired := d.Apply(msg)
	return fired
}

// Apply applies a decoded message.
//
// Only status reports (command 0) change state. Addresses 1-3 overwrite and
// always notify. Addresses 4-9 accept only 0 or 1 and notify on edges.
// Address 10 notifies when the value changes. Anything else is ignored.
func (d *Dispatcher) Apply(msg Message) (FieldChange, bool) {
	if msg.Command != CmdStatus {
		d.reservedCommands.Add(1)
		d.logInfo("ignoring reserved inbound command", "command", msg.Command, "address", msg.Address, "value", msg.Value)
		return FieldChange{}, false
	}

	field := FieldID(msg.Address)
	if !field.Valid() {
		d.unknownAddresses.Add(1)
		d.logDebug("ignoring status for unknown address", "address", msg.Address, "value", msg.Value)
		return FieldChange{}, false
	}

	change, fired := d.state.apply(field, msg.Value, d.now())
	if !fired {
		return FieldChange{}, false
	}

	d.fieldChanges.Add(1)
	d.notify(change)
	return change, true
}

func (d *Dispatcher) notify(change FieldChange) {
	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()

	for _, fn := range listeners {
		d.callListener(fn, change)
	}
}

// callListener isolates listener panics so one bad subscriber cannot stop
// the drain loop.
func (d *Dispatcher) callListener(fn FieldChangedFunc, change FieldChange) {
	defer func() {
		if r := recover(); r != nil {
			d.listenerPanics.Add(1)
			if d.logger != nil {
				d.logger.Error("field listener panic recovered", "field", change.Name, "panic", r)
			}
		}
	}()
	fn(change)
}

// Snapshot returns a copy of the current device state.
func (d *Dispatcher) Snapshot() State {
	return d.state.snapshot()
}

// Stats returns cumulative counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		LinesProcessed:   d.linesProcessed.Load(),
		DecodeErrors:     d.decodeErrors.Load(),
		ReservedCommands: d.reservedCommands.Load(),
		UnknownAddresses: d.unknownAddresses.Load(),
		FieldChanges:     d.fieldChanges.Load(),
		ListenerPanics:   d.listenerPanics.Load(),
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, keysAndValues...)
	}
}
