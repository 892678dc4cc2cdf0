package roastlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
)

// DefaultSampleInterval is the sampling period while the timer runs.
const DefaultSampleInterval = time.Second

// persistTimeout bounds each repository call made from the sample loop.
const persistTimeout = 5 * time.Second

// Logger is the optional logging interface.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// StateSource provides the device state to sample.
type StateSource interface {
	Snapshot() roaster.State
}

// SampleWriter records samples in a time-series store. Must not block.
type SampleWriter interface {
	WriteRoastSample(roasterID, roastID string, fields map[string]interface{}, at time.Time)
}

// SampleFunc receives each stored sample.
type SampleFunc func(Sample)

// EventFunc receives each timer transition and crack mark.
type EventFunc func(Event)

// RecorderConfig holds the recorder's dependencies.
type RecorderConfig struct {
	RoasterID string

	// SampleInterval is the sampling period. Default 1s.
	SampleInterval time.Duration

	Source     StateSource
	Repository Repository

	// Telemetry receives each sample. Optional.
	Telemetry SampleWriter

	Logger Logger

	// Clock defaults to time.Now.
	Clock func() time.Time

	// NewID generates roast IDs. Defaults to uuid.NewString.
	NewID func() string
}

// Recorder owns the roast timer and the sample loop.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Recorder struct {
	cfg RecorderConfig
	now func() time.Time

	mu          sync.Mutex
	state       TimerState
	roastID     string
	startedAt   time.Time
	accumulated time.Duration
	runStart    time.Time
	samples     int

	firstMarked   bool
	secondMarked  bool
	pendingFirst  bool
	pendingSecond bool

	sampleListeners []SampleFunc
	eventListeners  []EventFunc
	listenersMu     sync.RWMutex

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecorder creates an idle recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Source == nil {
		return nil, errors.New("roastlog: state source is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("roastlog: repository is required")
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		cfg:   cfg,
		now:   now,
		state: StateIdle,
		done:  make(chan struct{}),
	}, nil
}

// Start launches the sample loop. Samples are only taken while the timer
// runs.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.sampleLoop(ctx)
}

// Stop halts the sample loop and closes an unfinished roast.
// Safe to call multiple times.
func (r *Recorder) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.roastID == "" {
			return
		}
		if r.state == StateRunning {
			r.accumulated += r.now().Sub(r.runStart)
			r.state = StatePaused
		}
		err = r.cfg.Repository.FinishRoast(ctx, r.roastID, r.now(), r.accumulated.Milliseconds())
	})
	return err
}

// OnSample registers a listener for stored samples.
func (r *Recorder) OnSample(fn SampleFunc) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.sampleListeners = append(r.sampleListeners, fn)
	r.listenersMu.Unlock()
}

// OnEvent registers a listener for timer events.
func (r *Recorder) OnEvent(fn EventFunc) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.eventListeners = append(r.eventListeners, fn)
	r.listenersMu.Unlock()
}

// Toggle starts a new roast when idle, pauses a running timer and resumes
// a paused one. It returns the new timer state.
func (r *Recorder) Toggle(ctx context.Context) (TimerState, error) {
	r.mu.Lock()
	now := r.now()

	var kind EventKind
	switch r.state {
	case StateIdle:
		roast := &Roast{
			ID:        r.cfg.NewID(),
			RoasterID: r.cfg.RoasterID,
			StartedAt: now.UTC(),
		}
		if err := r.cfg.Repository.CreateRoast(ctx, roast); err != nil {
			r.mu.Unlock()
			return StateIdle, err
		}
		r.roastID = roast.ID
		r.startedAt = roast.StartedAt
		r.accumulated = 0
		r.samples = 0
		r.runStart = now
		r.state = StateRunning
		kind = EventStart
	case StateRunning:
		r.accumulated += now.Sub(r.runStart)
		r.state = StatePaused
		kind = EventPause
	case StatePaused:
		r.runStart = now
		r.state = StateRunning
		kind = EventResume
	}

	event, err := r.recordEventLocked(ctx, kind, now)
	state := r.state
	r.mu.Unlock()

	if err != nil {
		r.logWarn("failed to record roast event", "kind", kind, "error", err)
	}
	r.notifyEvent(event)
	r.logInfo("roast timer "+string(state), "roast_id", event.RoastID, "elapsed_ms", event.ElapsedMS)
	return state, nil
}

// Reset ends the current roast and returns the timer to idle. A no-op when
// idle.
func (r *Recorder) Reset(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return nil
	}

	now := r.now()
	if r.state == StateRunning {
		r.accumulated += now.Sub(r.runStart)
	}

	event, eventErr := r.recordEventLocked(ctx, EventReset, now)
	err := r.cfg.Repository.FinishRoast(ctx, r.roastID, now.UTC(), r.accumulated.Milliseconds())

	r.state = StateIdle
	r.roastID = ""
	r.startedAt = time.Time{}
	r.accumulated = 0
	r.samples = 0
	r.firstMarked, r.secondMarked = false, false
	r.pendingFirst, r.pendingSecond = false, false
	r.mu.Unlock()

	if eventErr != nil {
		r.logWarn("failed to record roast event", "kind", EventReset, "error", eventErr)
	}
	r.notifyEvent(event)
	r.logInfo("roast timer reset", "roast_id", event.RoastID, "elapsed_ms", event.ElapsedMS)
	return err
}

// MarkCrack records a first or second crack. The next sample carries the
// flag.
func (r *Recorder) MarkCrack(ctx context.Context, crack Crack) error {
	if crack != FirstCrack && crack != SecondCrack {
		return fmt.Errorf("%w: %q", ErrInvalidCrack, crack)
	}

	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return ErrNoActiveRoast
	}
	marked := &r.firstMarked
	pending := &r.pendingFirst
	if crack == SecondCrack {
		marked = &r.secondMarked
		pending = &r.pendingSecond
	}
	if *marked {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCrackAlreadyMarked, crack)
	}

	event, err := r.recordEventLocked(ctx, crack.event(), r.now())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	*marked = true
	*pending = true
	r.mu.Unlock()

	r.notifyEvent(event)
	r.logInfo("crack marked", "crack", crack, "roast_id", event.RoastID, "elapsed_ms", event.ElapsedMS)
	return nil
}

// MarkFirstCrack marks first crack.
func (r *Recorder) MarkFirstCrack(ctx context.Context) error {
	return r.MarkCrack(ctx, FirstCrack)
}

// MarkSecondCrack marks second crack.
func (r *Recorder) MarkSecondCrack(ctx context.Context) error {
	return r.MarkCrack(ctx, SecondCrack)
}

// Status returns the timer state and elapsed time.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State:       r.state,
		RoastID:     r.roastID,
		ElapsedMS:   r.elapsedLocked(r.now()).Milliseconds(),
		Samples:     r.samples,
		FirstCrack:  r.firstMarked,
		SecondCrack: r.secondMarked,
	}
	if r.roastID != "" {
		started := r.startedAt
		st.StartedAt = &started
	}
	return st
}

// SampleNow captures and stores one sample. Returns ErrNotRunning unless
// the timer runs.
func (r *Recorder) SampleNow(ctx context.Context) (Sample, error) {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return Sample{}, ErrNotRunning
	}

	now := r.now()
	state := r.cfg.Source.Snapshot()
	sample := Sample{
		RoastID:      r.roastID,
		ElapsedMS:    r.elapsedLocked(now).Milliseconds(),
		RecordedAt:   now.UTC(),
		DrumTemp:     state.DrumTemp,
		ChamberTemp:  state.ChamberTemp,
		ExhaustTemp:  state.ExhaustTemp,
		Flame:        state.Flame,
		DrumRelay:    state.DrumRelay,
		CoolingRelay: state.CoolingRelay,
		ExhaustRelay: state.ExhaustRelay,
		GasRelay:     state.GasRelay,
		Ignitor:      state.Ignitor,
		Valve:        state.Valve,
		FirstCrack:   r.pendingFirst,
		SecondCrack:  r.pendingSecond,
	}

	if err := r.cfg.Repository.AppendSample(ctx, &sample); err != nil {
		r.mu.Unlock()
		return Sample{}, err
	}
	r.pendingFirst, r.pendingSecond = false, false
	r.samples++
	r.mu.Unlock()

	if r.cfg.Telemetry != nil {
		r.cfg.Telemetry.WriteRoastSample(r.cfg.RoasterID, sample.RoastID, sample.fields(), sample.RecordedAt)
	}
	r.notifySample(sample)
	return sample, nil
}

func (r *Recorder) sampleLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, persistTimeout)
			_, err := r.SampleNow(sctx)
			cancel()
			if err != nil && !errors.Is(err, ErrNotRunning) {
				r.logError("failed to store roast sample", "error", err)
			}
		}
	}
}

func (r *Recorder) elapsedLocked(now time.Time) time.Duration {
	if r.state == StateRunning {
		return r.accumulated + now.Sub(r.runStart)
	}
	return r.accumulated
}

func (r *Recorder) recordEventLocked(ctx context.Context, kind EventKind, now time.Time) (Event, error) {
	event := Event{
		RoastID:    r.roastID,
		Kind:       kind,
		ElapsedMS:  r.elapsedLocked(now).Milliseconds(),
		OccurredAt: now.UTC(),
	}
	err := r.cfg.Repository.RecordEvent(ctx, &event)
	return event, err
}

func (r *Recorder) notifySample(s Sample) {
	r.listenersMu.RLock()
	listeners := r.sampleListeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (r *Recorder) notifyEvent(e Event) {
	r.listenersMu.RLock()
	listeners := r.eventListeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

func (r *Recorder) logInfo(msg string, keysAndValues ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logWarn(msg string, keysAndValues ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Warn(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, keysAndValues ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Error(msg, keysAndValues...)
	}
}
