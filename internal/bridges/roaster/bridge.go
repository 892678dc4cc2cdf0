package roaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// publishQueueSize bounds field changes waiting for MQTT/InfluxDB.
	// Changes beyond it are dropped and counted.
	publishQueueSize = 256

	defaultQoS = 1
)

// MQTTClient is the subset of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// TelemetryWriter records field changes in a time-series store.
// Implementations must not block.
type TelemetryWriter interface {
	WriteFieldValue(roasterID, field string, value float64, at time.Time)
}

// CommandAuditor records MQTT commands that reached the serial link. err is
// nil when the line was written. Implementations must not block for long.
type CommandAuditor interface {
	RecordCommand(id, field string, cmd OutgoingCommand, err error)
}

// BridgeConfig holds the bridge settings.
type BridgeConfig struct {
	// ID names the roaster in topics and health reports.
	ID string

	Link LinkConfig

	// ReconnectInterval is the delay between attempts to reopen a lost or
	// unavailable port. Zero disables reconnection.
	ReconnectInterval time.Duration

	// HealthInterval is the health publish period. Default 30s.
	HealthInterval time.Duration

	// TopicPrefix is the MQTT root. Default "roaster".
	TopicPrefix string

	// QoS for state, ack and health publishes. Default 1.
	QoS byte
}

// BridgeOptions holds the dependencies for NewBridge.
type BridgeOptions struct {
	Config     BridgeConfig
	Dispatcher *Dispatcher

	// MQTTClient publishes state and receives commands. Optional.
	MQTTClient MQTTClient

	// Telemetry records field changes. Optional.
	Telemetry TelemetryWriter

	// Auditor records MQTT commands. Optional.
	Auditor CommandAuditor

	Logger  Logger
	Version string

	// LinkOptions are passed to Open for every link. Tests use this to
	// inject a fake port.
	LinkOptions []Option
}

// BridgeStats is a snapshot of bridge, link and dispatcher counters.
type BridgeStats struct {
	RoasterID      string          `json:"roaster_id"`
	Connected      bool            `json:"connected"`
	Port           string          `json:"port"`
	QueueDepth     int             `json:"queue_depth"`
	Reconnects     uint64          `json:"reconnects"`
	PublishDropped uint64          `json:"publish_dropped"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	Transport      TransportStats  `json:"transport"`
	Poller         PollerStats     `json:"poller"`
	Dispatcher     DispatcherStats `json:"dispatcher"`
}

// Bridge supervises the serial link and connects it to MQTT, telemetry and
// in-process listeners.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Bridge struct {
	cfg        BridgeConfig
	dispatcher *Dispatcher
	mqtt       MQTTClient
	telemetry  TelemetryWriter
	auditor    CommandAuditor
	topics     Topics
	health     *HealthReporter
	linkOpts   []Option
	newID      func() string
	startTime  time.Time

	link   *Link
	linkMu sync.RWMutex

	publishCh chan FieldChange

	ctx      context.Context
	cancel   context.CancelFunc
	done     *closeOnce
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	reconnects     atomic.Uint64
	publishDropped atomic.Uint64

	logger Logger
}

// NewBridge validates the options and creates a stopped bridge.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("roaster: dispatcher is required")
	}
	cfg := opts.Config
	if cfg.ID == "" {
		return nil, errors.New("roaster: bridge ID is required")
	}
	if cfg.Link.Serial.Port == "" {
		return nil, errors.New("roaster: serial port is required")
	}
	if cfg.ReconnectInterval < 0 {
		return nil, errors.New("roaster: reconnect interval cannot be negative")
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}

	linkOpts := append([]Option{}, opts.LinkOptions...)
	if opts.Logger != nil {
		linkOpts = append([]Option{WithLogger(opts.Logger)}, linkOpts...)
	}

	b := &Bridge{
		cfg:        cfg,
		dispatcher: opts.Dispatcher,
		mqtt:       opts.MQTTClient,
		telemetry:  opts.Telemetry,
		auditor:    opts.Auditor,
		topics:     NewTopics(cfg.TopicPrefix, cfg.ID),
		linkOpts:   linkOpts,
		newID:      uuid.NewString,
		startTime:  time.Now(),
		publishCh:  make(chan FieldChange, publishQueueSize),
		done:       newCloseOnce(),
		logger:     opts.Logger,
	}

	if opts.MQTTClient != nil {
		b.health = NewHealthReporter(HealthReporterConfig{
			RoasterID: cfg.ID,
			Version:   opts.Version,
			Interval:  cfg.HealthInterval,
			Topic:     b.topics.Health(),
			QoS:       cfg.QoS,
			Publisher: opts.MQTTClient,
			Source:    b,
			Logger:    opts.Logger,
		})
	}

	return b, nil
}

// Start registers the publish listener, opens the serial link, subscribes
// to commands and starts the supervisor. If the port cannot be opened and
// reconnection is disabled the connect error is returned before anything is
// subscribed; otherwise it is logged and retried.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("roaster: bridge already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	// The listener must be in place before the first drain.
	if b.mqtt != nil || b.telemetry != nil {
		b.dispatcher.OnFieldChanged(b.enqueuePublish)
		b.wg.Add(1)
		go b.publishLoop()
	}

	link, err := b.openLink()
	if err != nil {
		if b.cfg.ReconnectInterval <= 0 {
			b.cancel()
			return err
		}
		b.logWarn("serial link unavailable, retrying",
			"port", b.cfg.Link.Serial.Port, "error", err, "retry_in", b.cfg.ReconnectInterval)
	}

	if b.mqtt != nil {
		if b.health != nil {
			if err := b.health.PublishStarting(); err != nil {
				b.logWarn("failed to publish starting status", "error", err)
			}
		}
		if err := b.mqtt.Subscribe(b.topics.CommandFilter(), b.cfg.QoS, b.handleMQTTCommand); err != nil {
			b.cancel()
			if link != nil {
				b.dropLink(link)
			}
			return fmt.Errorf("subscribing to %s: %w", b.topics.CommandFilter(), err)
		}
	}

	b.wg.Add(1)
	go b.superviseLink(link)

	if b.health != nil {
		b.health.Start(b.ctx)
	}

	b.logInfo("roaster bridge started", "roaster", b.cfg.ID, "port", b.cfg.Link.Serial.Port)
	return nil
}

// Stop closes the link and stops all goroutines. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.health != nil {
			b.health.Stop()
		}

		b.done.Close()
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()

		b.linkMu.Lock()
		link := b.link
		b.link = nil
		b.linkMu.Unlock()

		if link != nil {
			if err := link.Close(); err != nil {
				b.logWarn("error closing serial link", "error", err)
			}
		}

		b.logInfo("roaster bridge stopped", "roaster", b.cfg.ID)
	})
}

func (b *Bridge) openLink() (*Link, error) {
	link, err := Open(b.cfg.Link, b.dispatcher, b.linkOpts...)
	if err != nil {
		return nil, err
	}
	link.Start(b.ctx)

	b.linkMu.Lock()
	b.link = link
	b.linkMu.Unlock()

	b.logInfo("serial link up", "port", link.Port())
	return link, nil
}

// superviseLink waits for the current link to drop and reopens it every
// ReconnectInterval until Stop.
func (b *Bridge) superviseLink(link *Link) {
	defer b.wg.Done()

	for {
		if link != nil {
			select {
			case <-b.done.Done():
				return
			case <-b.ctx.Done():
				return
			case <-link.Done():
			}
			if b.done.IsClosed() {
				return
			}
			b.logWarn("serial link lost", "port", link.Port())
			b.dropLink(link)
		}

		if b.cfg.ReconnectInterval <= 0 {
			b.logError("serial link down and reconnect disabled", "port", b.cfg.Link.Serial.Port)
			return
		}

		timer := time.NewTimer(b.cfg.ReconnectInterval)
		select {
		case <-b.done.Done():
			timer.Stop()
			return
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := b.openLink()
		if err != nil {
			b.logDebug("serial reconnect failed", "port", b.cfg.Link.Serial.Port, "error", err)
			link = nil
			continue
		}
		b.reconnects.Add(1)
		link = next
	}
}

func (b *Bridge) dropLink(link *Link) {
	b.linkMu.Lock()
	if b.link == link {
		b.link = nil
	}
	b.linkMu.Unlock()

	if err := link.Close(); err != nil {
		b.logDebug("error closing lost link", "error", err)
	}
}

func (b *Bridge) currentLink() *Link {
	b.linkMu.RLock()
	defer b.linkMu.RUnlock()
	return b.link
}

// SubmitCommand sends a raw command. Returns ErrNotConnected while the
// link is down.
func (b *Bridge) SubmitCommand(command, value int) error {
	link := b.currentLink()
	if link == nil {
		return ErrNotConnected
	}
	if err := link.SubmitCommand(command, value); err != nil {
		return err
	}
	b.logDebug("command sent", "command", command, "value", value)
	return nil
}

// Send sends a prepared command.
func (b *Bridge) Send(cmd OutgoingCommand) error {
	return b.SubmitCommand(cmd.Command, cmd.Value)
}

// SetRelay switches a relay. The state changes when the controller
// reports back.
func (b *Bridge) SetRelay(field FieldID, on bool) error {
	cmd, err := RelayCommand(field, on)
	if err != nil {
		return err
	}
	return b.Send(cmd)
}

// ToggleRelay requests the opposite of the relay's last confirmed state
// and returns the requested state.
func (b *Bridge) ToggleRelay(field FieldID) (bool, error) {
	cmd, target, err := ToggleCommand(b.dispatcher.Snapshot(), field)
	if err != nil {
		return false, err
	}
	return target, b.Send(cmd)
}

// SetValve sets the gas valve opening in percent (0-100).
func (b *Bridge) SetValve(percent int) error {
	cmd, err := ValveCommand(percent)
	if err != nil {
		return err
	}
	return b.Send(cmd)
}

// Snapshot returns the current device state.
func (b *Bridge) Snapshot() State {
	return b.dispatcher.Snapshot()
}

// OnFieldChanged registers a listener for confirmed field changes.
func (b *Bridge) OnFieldChanged(fn FieldChangedFunc) {
	b.dispatcher.OnFieldChanged(fn)
}

// Connected reports whether a serial link is up.
func (b *Bridge) Connected() bool {
	link := b.currentLink()
	return link != nil && link.Connected()
}

// Topics returns the bridge's topic builder.
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Stats returns bridge, link and dispatcher counters.
func (b *Bridge) Stats() BridgeStats {
	stats := BridgeStats{
		RoasterID:      b.cfg.ID,
		Port:           b.cfg.Link.Serial.Port,
		Reconnects:     b.reconnects.Load(),
		PublishDropped: b.publishDropped.Load(),
		UptimeSeconds:  int64(time.Since(b.startTime).Seconds()),
		Dispatcher:     b.dispatcher.Stats(),
	}
	if link := b.currentLink(); link != nil {
		stats.Connected = link.Connected()
		stats.QueueDepth = link.QueueDepth()
		stats.Transport = link.Stats()
		stats.Poller = link.PollerStats()
	}
	return stats
}

// enqueuePublish runs on the drain goroutine and must not block.
func (b *Bridge) enqueuePublish(change FieldChange) {
	select {
	case b.publishCh <- change:
	default:
		b.publishDropped.Add(1)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done.Done():
			return
		case <-b.ctx.Done():
			return
		case change := <-b.publishCh:
			b.publishChange(change)
		}
	}
}

func (b *Bridge) publishChange(change FieldChange) {
	if b.telemetry != nil {
		b.telemetry.WriteFieldValue(b.cfg.ID, change.Name, float64(change.Value), change.At)
	}

	if b.mqtt == nil || !b.mqtt.IsConnected() {
		return
	}
	payload, err := json.Marshal(NewStateMessage(b.cfg.ID, change))
	if err != nil {
		b.logError("failed to marshal state", "field", change.Name, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(change.Field), payload, b.cfg.QoS, true); err != nil {
		b.logWarn("failed to publish state", "field", change.Name, "error", err)
	}
}

// handleMQTTCommand executes a command received on a command topic and
// publishes an ack.
func (b *Bridge) handleMQTTCommand(topic string, payload []byte) {
	kind, ok := b.topics.CommandKind(topic)
	if !ok {
		b.logDebug("ignoring message on unexpected topic", "topic", topic)
		return
	}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.publishAck(AckMessage{
			CommandID: b.newID(),
			Kind:      kind,
			Status:    AckFailed,
			Error:     &AckError{Code: ErrCodeInvalidPayload, Message: err.Error()},
		})
		return
	}
	if msg.ID == "" {
		msg.ID = b.newID()
	}

	ack := AckMessage{CommandID: msg.ID, Kind: kind}

	cmd, err := msg.Resolve(kind, b.dispatcher.Snapshot())
	if err != nil {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()}
		b.publishAck(ack)
		return
	}

	err = b.Send(cmd)
	if b.auditor != nil {
		b.auditor.RecordCommand(msg.ID, msg.Field, cmd, err)
	}
	if err != nil {
		code := ErrCodeSendFailed
		if errors.Is(err, ErrNotConnected) {
			code = ErrCodeDeviceUnreachable
		}
		ack.Status = AckFailed
		ack.Error = &AckError{Code: code, Message: err.Error()}
		b.logWarn("MQTT command failed", "id", msg.ID, "kind", kind, "source", msg.Source, "error", err)
		b.publishAck(ack)
		return
	}

	ack.Status = AckAccepted
	ack.Sent = &cmd
	b.logInfo("MQTT command sent", "id", msg.ID, "kind", kind, "command", cmd.Command, "value", cmd.Value, "source", msg.Source)
	b.publishAck(ack)
}

func (b *Bridge) publishAck(ack AckMessage) {
	ack.Roaster = b.cfg.ID
	ack.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(), payload, b.cfg.QoS, false); err != nil {
		b.logWarn("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Error(msg, keysAndValues...)
	}
}
