package roaster

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages. Typically the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatusSource supplies the counters reported in health messages.
type StatusSource interface {
	Stats() BridgeStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	RoasterID string
	Version   string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Topic     string
	QoS       byte
	Publisher HealthPublisher
	Source    StatusSource
	Logger    Logger
}

// HealthReporter publishes a retained health message every interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

// NewHealthReporter creates a stopped reporter.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start publishes the current status and then repeats every interval
// until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return
	}
	h.started = true

	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "bridge stopping")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Source == nil || !h.cfg.Source.Stats().Connected {
		return HealthDegraded, "serial link down"
	}
	return HealthHealthy, ""
}

// buildMessage assembles a health message from the current stats.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Roaster:       h.cfg.RoasterID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}
	if h.cfg.Source == nil {
		return msg
	}

	stats := h.cfg.Source.Stats()
	conn := &ConnectionStatus{Status: "disconnected", Port: stats.Port}
	if stats.Connected {
		conn.Status = "connected"
		since := stats.Transport.ConnectedSince.UTC()
		conn.ConnectedSince = &since
	}
	msg.Connection = conn
	msg.Statistics = &Statistics{
		LinesReceived:  stats.Dispatcher.LinesProcessed,
		DecodeErrors:   stats.Dispatcher.DecodeErrors,
		FieldChanges:   stats.Dispatcher.FieldChanges,
		CommandsSent:   stats.Transport.CommandsTx,
		SendErrors:     stats.Transport.SendErrors,
		Reconnects:     stats.Reconnects,
		PublishDropped: stats.PublishDropped,
		QueueDepth:     stats.QueueDepth,
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, h.cfg.QoS, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	if h.cfg.Logger != nil {
		h.cfg.Logger.Error(msg, "error", err)
	}
}
