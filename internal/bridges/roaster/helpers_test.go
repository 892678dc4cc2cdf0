package roaster

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"
)

var errFakePortClosed = errors.New("fake port closed")

// fakePort is an in-memory serial port. Read honours the read timeout by
// returning (0, nil) when no data arrives in time.
type fakePort struct {
	incoming chan []byte
	failRead chan error
	closed   chan struct{}

	mu          sync.Mutex
	pending     []byte
	written     bytes.Buffer
	writeErr    error
	readTimeout time.Duration

	closeOnce       sync.Once
	closeCalls      atomic.Int32
	readsAfterClose atomic.Int32

	// byteWrites makes Write accept one byte per call.
	byteWrites bool
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming:    make(chan []byte, 256),
		failRead:    make(chan error, 1),
		closed:      make(chan struct{}),
		readTimeout: 10 * time.Millisecond,
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case <-p.closed:
		p.readsAfterClose.Add(1)
		return 0, errFakePortClosed
	default:
	}

	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-p.incoming:
		n := copy(buf, data)
		if n < len(data) {
			p.mu.Lock()
			p.pending = append(p.pending, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case err := <-p.failRead:
		return 0, err
	case <-p.closed:
		return 0, errFakePortClosed
	case <-timer.C:
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.byteWrites && len(b) > 1 {
		p.written.WriteByte(b[0])
		p.mu.Unlock()
		runtime.Gosched()
		p.mu.Lock()
		return 1, nil
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.closeCalls.Add(1)
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.readTimeout = t
	p.mu.Unlock()
	return nil
}

// feed delivers data as if it arrived from the device.
func (p *fakePort) feed(data string) {
	p.incoming <- []byte(data)
}

// fail makes the next Read return err, as when the device is unplugged.
func (p *fakePort) fail(err error) {
	p.failRead <- err
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out fake ports and records the requested modes.
type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	modes []serial.Mode
	err   error
	calls int

	// preload is queued on each new port before it is handed out, so the
	// first drain sees it.
	preload string
}

func (o *fakeOpener) open(_ string, mode *serial.Mode) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	p := newFakePort()
	if o.preload != "" {
		p.feed(o.preload)
	}
	o.ports = append(o.ports, p)
	o.modes = append(o.modes, *mode)
	return p, nil
}

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *fakeOpener) port(i int) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.ports) {
		return nil
	}
	return o.ports[i]
}

func (o *fakeOpener) portCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ports)
}

type logEntry struct {
	level string
	msg   string
	kv    []any
}

// recordingLogger captures log calls for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, kv: kv})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.record("debug", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.record("info", msg, kv) }
func (l *recordingLogger) Warn(msg string, kv ...any)  { l.record("warn", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.record("error", msg, kv) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

func (l *recordingLogger) countLevel(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu         sync.Mutex
	published  []mockPublish
	handlers   map[string]func(topic string, payload []byte)
	connected  bool
	publishErr error
	subErr     error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// SimulateMessage delivers payload to the handler whose filter matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if filter == topic || (strings.HasSuffix(filter, "/+") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "+"))) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(topic, payload)
	return true
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fixedClock returns a clock that always reports t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
