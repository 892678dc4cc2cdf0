package roaster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPollInterval is the status-request period.
	DefaultPollInterval = time.Second

	// DefaultDrainInterval is the queue-drain period.
	DefaultDrainInterval = 250 * time.Millisecond
)

// Sender sends one command to the device.
type Sender interface {
	Send(command, value int) error
}

// PollerConfig holds the two tick periods.
type PollerConfig struct {
	PollInterval  time.Duration
	DrainInterval time.Duration
	Logger        Logger
}

// PollerStats counts poll attempts and drains.
type PollerStats struct {
	Polls      uint64 `json:"polls"`
	PollErrors uint64 `json:"poll_errors"`
	Drains     uint64 `json:"drains"`
}

// Poller requests a full status report every PollInterval and drains the
// line queue every DrainInterval. Both ticks run on one goroutine, so the
// drain callback never runs concurrently with itself.
type Poller struct {
	sender Sender
	drain  func() int
	cfg    PollerConfig

	started  atomic.Bool
	done     *closeOnce
	stopOnce sync.Once
	wg       sync.WaitGroup

	// failing is only touched by the run goroutine.
	failing bool

	polls      atomic.Uint64
	pollErrors atomic.Uint64
	drains     atomic.Uint64
}

// NewPoller creates a stopped Poller. Zero intervals take the defaults.
func NewPoller(sender Sender, drain func() int, cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	return &Poller{
		sender: sender,
		drain:  drain,
		cfg:    cfg,
		done:   newCloseOnce(),
	}
}

// Start launches the tick goroutine. Subsequent calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts both ticks and waits for an in-progress tick to finish.
// Safe to call multiple times, and before Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.done.Close()
		p.wg.Wait()
	})
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	drain := time.NewTicker(p.cfg.DrainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done.Done():
			return
		case <-poll.C:
			p.PollOnce()
		case <-drain.C:
			p.DrainOnce()
		}
	}
}

// PollOnce sends a status request (0,0). A failed send is logged and the
// next tick tries again.
func (p *Poller) PollOnce() {
	p.polls.Add(1)
	if err := p.sender.Send(CmdStatus, 0); err != nil {
		p.pollErrors.Add(1)
		// Log the first failure of a run loudly, repeats quietly.
		if !p.failing {
			p.logWarn("status poll failed", "error", err)
		} else {
			p.logDebug("status poll failed", "error", err)
		}
		p.failing = true
		return
	}
	if p.failing {
		p.logInfo("status poll recovered")
		p.failing = false
	}
}

// DrainOnce runs the drain callback.
func (p *Poller) DrainOnce() int {
	p.drains.Add(1)
	if p.drain == nil {
		return 0
	}
	return p.drain()
}

// Stats returns poll and drain counters.
func (p *Poller) Stats() PollerStats {
	return PollerStats{
		Polls:      p.polls.Load(),
		PollErrors: p.pollErrors.Load(),
		Drains:     p.drains.Load(),
	}
}

func (p *Poller) logDebug(msg string, keysAndValues ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (p *Poller) logInfo(msg string, keysAndValues ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (p *Poller) logWarn(msg string, keysAndValues ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Warn(msg, keysAndValues...)
	}
}
