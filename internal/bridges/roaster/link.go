package roaster

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LinkConfig combines the port settings with the poll schedule.
type LinkConfig struct {
	Serial        SerialConfig
	PollInterval  time.Duration
	DrainInterval time.Duration
}

// Link is one live connection to the controller: a Transport, its line
// queue and the Poller that drives it. A Link is not reopened; the Bridge
// opens a new one after a loss.
type Link struct {
	transport  *Transport
	queue      *LineQueue
	dispatcher *Dispatcher
	poller     *Poller

	closeOnce sync.Once
	closeErr  error
}

// Open connects the serial port and prepares the poller. Call Start to
// begin polling.
func Open(cfg LinkConfig, dispatcher *Dispatcher, opts ...Option) (*Link, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", ErrConnectFailed)
	}

	queue := NewLineQueue()
	transport, err := Connect(cfg.Serial, queue, opts...)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	l := &Link{
		transport:  transport,
		queue:      queue,
		dispatcher: dispatcher,
	}
	l.poller = NewPoller(transport, l.Drain, PollerConfig{
		PollInterval:  cfg.PollInterval,
		DrainInterval: cfg.DrainInterval,
		Logger:        o.logger,
	})
	return l, nil
}

// Start begins status polling and queue draining.
func (l *Link) Start(ctx context.Context) {
	l.poller.Start(ctx)
}

// Drain applies every queued line and returns the number of field changes.
func (l *Link) Drain() int {
	return l.dispatcher.DrainAndApply(l.queue)
}

// SubmitCommand sends one command to the controller.
func (l *Link) SubmitCommand(command, value int) error {
	return l.transport.Send(command, value)
}

// Done is closed when the serial receive path stops.
func (l *Link) Done() <-chan struct{} {
	return l.transport.Done()
}

// Connected reports whether the port is open and receiving.
func (l *Link) Connected() bool {
	return l.transport.IsConnected()
}

// Port returns the serial port name.
func (l *Link) Port() string {
	return l.transport.Port()
}

// QueueDepth returns the number of lines waiting for the next drain.
func (l *Link) QueueDepth() int {
	return l.queue.Len()
}

// Stats returns the transport counters.
func (l *Link) Stats() TransportStats {
	return l.transport.Stats()
}

// PollerStats returns the poll counters.
func (l *Link) PollerStats() PollerStats {
	return l.poller.Stats()
}

// Close stops the poller, then the transport. Lines still queued are
// dropped. Idempotent.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.poller.Stop()
		l.closeErr = l.transport.Close()
	})
	return l.closeErr
}
