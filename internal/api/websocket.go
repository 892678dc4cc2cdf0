package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
	"github.com/nerrad567/roaster-core/internal/roastlog"
)

// Channels a stream client can subscribe to.
const (
	ChannelFieldChanged = "field.changed"
	ChannelRoastSample  = "roast.sample"
	ChannelRoastEvent   = "roast.event"
)

// Frame types on /api/v1/ws.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// streamQueueLen bounds the frames waiting for one client. A full
// field.changed snapshot plus the ack must fit.
const streamQueueLen = 64

var errUnknownChannel = errors.New("unknown channel")

// Frame is one JSON message on the stream.
//
// Clients send subscribe, unsubscribe and ping frames with Channels and an
// optional ID. The server answers with ack, pong or error frames carrying
// the same ID, and pushes event frames with Channel and Data. Data holds a
// roaster.StateMessage, roastlog.Sample or roastlog.Event depending on the
// channel.
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Snapshot bool            `json:"snapshot,omitempty"`
	Time     string          `json:"time,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// channelSet is a bitmask of subscribed channels.
type channelSet uint8

const (
	onFieldChanged channelSet = 1 << iota
	onRoastSample
	onRoastEvent
)

var channelNames = []struct {
	bit  channelSet
	name string
}{
	{onFieldChanged, ChannelFieldChanged},
	{onRoastSample, ChannelRoastSample},
	{onRoastEvent, ChannelRoastEvent},
}

func parseChannels(names []string) (channelSet, error) {
	var set channelSet
next:
	for _, name := range names {
		for _, c := range channelNames {
			if c.name == name {
				set |= c.bit
				continue next
			}
		}
		return 0, fmt.Errorf("%w: %s", errUnknownChannel, name)
	}
	return set, nil
}

func (s channelSet) names() []string {
	out := []string{}
	for _, c := range channelNames {
		if s&c.bit != 0 {
			out = append(out, c.name)
		}
	}
	return out
}

// SnapshotFunc returns the current value of every field, sent to a client
// as it subscribes to field.changed.
type SnapshotFunc func() []roaster.StateMessage

// Hub fans roaster field changes and roast log activity out to WebSocket
// clients.
//
// Thread Safety:
//   - Publish methods may be called from the dispatcher and recorder
//     goroutines concurrently.
//   - A client's subscription and queue share one lock, so a snapshot is
//     always queued before any change that follows it.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

// NewHub creates a hub. snapshot may be nil, in which case subscribing to
// field.changed sends no initial state.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // Closing on shutdown
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishField sends a field change to field.changed subscribers.
func (h *Hub) PublishField(msg roaster.StateMessage) {
	h.publish(onFieldChanged, ChannelFieldChanged, msg)
}

// PublishSample sends a roast sample to roast.sample subscribers.
func (h *Hub) PublishSample(sample roastlog.Sample) {
	h.publish(onRoastSample, ChannelRoastSample, sample)
}

// PublishEvent sends a timer transition or crack mark to roast.event
// subscribers.
func (h *Hub) PublishEvent(event roastlog.Event) {
	h.publish(onRoastEvent, ChannelRoastEvent, event)
}

func (h *Hub) publish(bit channelSet, channel string, data any) {
	frame, err := eventFrame(channel, data, false)
	if err != nil {
		h.logger.Error("failed to encode stream event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.deliver(bit, frame)
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", n)
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("stream client disconnected", "clients", n)
}

// Serve upgrades the request and runs the client until it disconnects.
// Clients receive nothing until they subscribe.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		hub:  h,
		conn: conn,
		out:  make(chan []byte, streamQueueLen),
	}
	h.add(c)

	go c.writeLoop()
	go c.readLoop()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r)
}

// fieldSnapshot renders the device state as one StateMessage per field.
// Previous equals Value since nothing changed.
func (s *Server) fieldSnapshot() []roaster.StateMessage {
	state := s.device.Snapshot()
	fields := roaster.Fields()
	out := make([]roaster.StateMessage, 0, len(fields))
	for _, f := range fields {
		v, _ := state.Value(f)
		out = append(out, roaster.NewStateMessage(s.roasterID, roaster.FieldChange{
			Field:    f,
			Name:     f.String(),
			Value:    v,
			Previous: v,
			At:       state.UpdatedAt,
		}))
	}
	return out
}

// streamClient is one WebSocket connection.
type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu     sync.Mutex
	subs   channelSet
	closed bool
}

// deliver queues frame if the client subscribes to bit.
func (c *streamClient) deliver(bit channelSet, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs&bit != 0 {
		c.enqueueLocked(frame)
	}
}

// enqueueLocked queues a frame. A client whose queue is full is closed
// rather than silently skipped, so a UI never shows stale state; it must
// reconnect and resubscribe to get a fresh snapshot.
func (c *streamClient) enqueueLocked(frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.out <- frame:
	default:
		c.closed = true
		close(c.out)
		c.hub.logger.Warn("stream client too slow, disconnecting")
	}
}

func (c *streamClient) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()
}

func (c *streamClient) reply(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.enqueueLocked(data)
	c.mu.Unlock()
}

func (c *streamClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close() //nolint:errcheck // Connection already failing
	}()

	cfg := c.hub.cfg
	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // A failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		extend() //nolint:errcheck // A failed deadline surfaces on the next read
		c.handle(data)
	}
}

func (c *streamClient) writeLoop() {
	cfg := c.hub.cfg
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close() //nolint:errcheck // Read loop sees the close
	}()

	for {
		var (
			kind    int
			payload []byte
		)
		select {
		case frame, ok := <-c.out:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
				return
			}
			kind, payload = websocket.TextMessage, frame
		case <-ping.C:
			kind = websocket.PingMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write fails instead
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

func (c *streamClient) handle(data []byte) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply(Frame{Type: FrameError, Error: "invalid JSON frame"})
		return
	}

	switch in.Type {
	case FrameSubscribe:
		c.subscribe(in)
	case FrameUnsubscribe:
		c.unsubscribe(in)
	case FramePing:
		c.reply(Frame{Type: FramePong, ID: in.ID})
	default:
		c.reply(Frame{Type: FrameError, ID: in.ID, Error: "unknown frame type: " + in.Type})
	}
}

// subscribe adds channels. Naming field.changed always queues the current
// state of every field right after the ack, so re-subscribing also works as
// a refresh.
func (c *streamClient) subscribe(in Frame) {
	set, err := parseChannels(in.Channels)
	if err != nil {
		c.reply(Frame{Type: FrameError, ID: in.ID, Error: err.Error()})
		return
	}

	// The snapshot is read under the client lock: a change applied after the
	// read blocks in deliver until the snapshot is queued.
	c.mu.Lock()
	c.subs |= set
	ack, _ := json.Marshal(Frame{Type: FrameAck, ID: in.ID, Channels: c.subs.names()})
	c.enqueueLocked(ack)
	if set&onFieldChanged != 0 && c.hub.snapshot != nil {
		for _, msg := range c.hub.snapshot() {
			frame, err := eventFrame(ChannelFieldChanged, msg, true)
			if err != nil {
				c.hub.logger.Error("failed to encode field snapshot", "field", msg.Field, "error", err)
				continue
			}
			c.enqueueLocked(frame)
		}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("stream client subscribed", "channels", in.Channels)
}

func (c *streamClient) unsubscribe(in Frame) {
	set, err := parseChannels(in.Channels)
	if err != nil {
		c.reply(Frame{Type: FrameError, ID: in.ID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.subs &^= set
	ack, _ := json.Marshal(Frame{Type: FrameAck, ID: in.ID, Channels: c.subs.names()})
	c.enqueueLocked(ack)
	c.mu.Unlock()
}

func eventFrame(channel string, data any, snapshot bool) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:     FrameEvent,
		Channel:  channel,
		Snapshot: snapshot,
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Data:     raw,
	})
}
