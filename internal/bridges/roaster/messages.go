package roaster

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTopicPrefix is the root of every topic the bridge uses.
const DefaultTopicPrefix = "roaster"

// Command kinds, the last level of a command topic.
const (
	CommandKindRelay  = "relay"
	CommandKindToggle = "toggle"
	CommandKindValve  = "valve"
	CommandKindRaw    = "raw"
)

// Topics builds the MQTT topics for one roaster:
//
//	{prefix}/{id}/state/{field}    retained FieldChange per field
//	{prefix}/{id}/command/{kind}   inbound CommandMessage
//	{prefix}/{id}/ack              AckMessage per command
//	{prefix}/{id}/health           retained HealthMessage
//	{prefix}/{id}/status           retained online/offline (client LWT)
type Topics struct {
	base string
}

// NewTopics returns the topic builder for roasterID under prefix.
func NewTopics(prefix, roasterID string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{base: prefix + "/" + roasterID}
}

// State returns the retained state topic for f.
func (t Topics) State(f FieldID) string { return t.base + "/state/" + f.String() }

// Command returns the command topic for kind.
func (t Topics) Command(kind string) string { return t.base + "/command/" + kind }

// CommandFilter matches every command topic.
func (t Topics) CommandFilter() string { return t.base + "/command/+" }

// Ack returns the acknowledgement topic.
func (t Topics) Ack() string { return t.base + "/ack" }

// Health returns the health topic.
func (t Topics) Health() string { return t.base + "/health" }

// Status returns the client status topic used for the Last Will.
func (t Topics) Status() string { return t.base + "/status" }

// CommandKind extracts the kind from a command topic.
func (t Topics) CommandKind(topic string) (string, bool) {
	kind, ok := strings.CutPrefix(topic, t.base+"/command/")
	if !ok || kind == "" || strings.Contains(kind, "/") {
		return "", false
	}
	return kind, true
}

// CommandMessage is the payload on a command topic. Which fields are
// required depends on the topic's kind:
//
//	relay   field, on
//	toggle  field
//	valve   percent
//	raw     command, value
type CommandMessage struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Field     string    `json:"field,omitempty"`
	On        *bool     `json:"on,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	Command   *int      `json:"command,omitempty"`
	Value     *int      `json:"value,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Resolve turns the message into a wire command for kind. Toggle needs the
// current state to pick a direction.
func (m CommandMessage) Resolve(kind string, state State) (OutgoingCommand, error) {
	switch kind {
	case CommandKindRelay:
		field, err := ParseField(m.Field)
		if err != nil {
			return OutgoingCommand{}, err
		}
		if m.On == nil {
			return OutgoingCommand{}, fmt.Errorf("%w: relay command needs \"on\"", ErrInvalidCommand)
		}
		return RelayCommand(field, *m.On)
	case CommandKindToggle:
		field, err := ParseField(m.Field)
		if err != nil {
			return OutgoingCommand{}, err
		}
		cmd, _, err := ToggleCommand(state, field)
		return cmd, err
	case CommandKindValve:
		if m.Percent == nil {
			return OutgoingCommand{}, fmt.Errorf("%w: valve command needs \"percent\"", ErrInvalidCommand)
		}
		return ValveCommand(*m.Percent)
	case CommandKindRaw:
		if m.Command == nil || m.Value == nil {
			return OutgoingCommand{}, fmt.Errorf("%w: raw command needs \"command\" and \"value\"", ErrInvalidCommand)
		}
		return OutgoingCommand{Command: *m.Command, Value: *m.Value}, nil
	default:
		return OutgoingCommand{}, fmt.Errorf("%w: unknown command kind %q", ErrInvalidCommand, kind)
	}
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// Ack error codes.
const (
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeSendFailed        = "SEND_FAILED"
)

// AckMessage reports whether a command reached the wire. Accepted means
// written to the port, not confirmed by the controller; confirmation
// arrives as a state update.
type AckMessage struct {
	CommandID string           `json:"command_id"`
	Timestamp time.Time        `json:"timestamp"`
	Roaster   string           `json:"roaster"`
	Kind      string           `json:"kind"`
	Status    AckStatus        `json:"status"`
	Sent      *OutgoingCommand `json:"sent,omitempty"`
	Error     *AckError        `json:"error,omitempty"`
}

// AckError details a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is published retained on a field's state topic.
type StateMessage struct {
	Roaster   string    `json:"roaster"`
	Field     string    `json:"field"`
	Address   int       `json:"address"`
	Kind      string    `json:"kind"`
	Value     int       `json:"value"`
	Previous  int       `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateMessage builds the state payload for a change.
func NewStateMessage(roasterID string, change FieldChange) StateMessage {
	return StateMessage{
		Roaster:   roasterID,
		Field:     change.Field.String(),
		Address:   int(change.Field),
		Kind:      change.Field.Kind().String(),
		Value:     change.Value,
		Previous:  change.Previous,
		Timestamp: change.At.UTC(),
	}
}

// HealthStatus is the bridge's overall state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published periodically on the health topic.
type HealthMessage struct {
	Roaster       string            `json:"roaster"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *Statistics       `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the serial link.
type ConnectionStatus struct {
	Status         string     `json:"status"`
	Port           string     `json:"port"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// Statistics summarises bridge counters for health reports.
type Statistics struct {
	LinesReceived  uint64 `json:"lines_received"`
	DecodeErrors   uint64 `json:"decode_errors"`
	FieldChanges   uint64 `json:"field_changes"`
	CommandsSent   uint64 `json:"commands_sent"`
	SendErrors     uint64 `json:"send_errors"`
	Reconnects     uint64 `json:"reconnects"`
	PublishDropped uint64 `json:"publish_dropped"`
	QueueDepth     int    `json:"queue_depth"`
}
