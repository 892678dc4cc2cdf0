package roaster

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the controller firmware's fixed line rate.
	DefaultBaudRate = 9600

	defaultDataBits    = 8
	defaultReadTimeout = 100 * time.Millisecond

	readBufferSize = 256

	// readerStopGrace is how long Close waits for the reader to notice
	// shutdown before closing the handle underneath it.
	readerStopGrace = 2 * time.Second
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Port is the part of serial.Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port. Tests substitute an in-memory port.
type PortOpener func(name string, mode *serial.Mode) (Port, error)

func openSerialPort(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}

// SerialConfig holds the port parameters. Zero values take the
// controller's defaults (9600 8N1, RTS asserted on open).
type SerialConfig struct {
	Port        string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	AssertRTS   bool
	ReadTimeout time.Duration
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits <= 0 {
		c.DataBits = defaultDataBits
	}
	if c.StopBits <= 0 {
		c.StopBits = 1
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// mode maps the config onto go.bug.st/serial. The library exposes no
// hardware flow control switch, so RTS is raised through the initial
// modem bits instead.
func (c SerialConfig) mode() *serial.Mode {
	m := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch strings.ToLower(c.Parity) {
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	}
	if c.StopBits == 2 {
		m.StopBits = serial.TwoStopBits
	}
	if c.AssertRTS {
		m.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	return m
}

// Option configures a Transport or Link.
type Option func(*options)

type options struct {
	logger Logger
	opener PortOpener
}

// WithLogger sets the logger for the transport and link.
func WithLogger(logger Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPortOpener replaces the function used to open the serial port.
func WithPortOpener(opener PortOpener) Option {
	return func(o *options) { o.opener = opener }
}

func buildOptions(opts []Option) options {
	o := options{opener: openSerialPort}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TransportStats describes one open serial link.
type TransportStats struct {
	Port           string    `json:"port"`
	Connected      bool      `json:"connected"`
	BytesRx        uint64    `json:"bytes_rx"`
	LinesRx        uint64    `json:"lines_rx"`
	LinesOverflow  uint64    `json:"lines_overflow"`
	CommandsTx     uint64    `json:"commands_tx"`
	SendErrors     uint64    `json:"send_errors"`
	ReadErrors     uint64    `json:"read_errors"`
	LastActivity   time.Time `json:"last_activity"`
	ConnectedSince time.Time `json:"connected_since"`
}

// Transport owns one open serial port. Its reader goroutine frames
// incoming bytes into lines and pushes them onto the queue.
//
// Thread Safety:
//   - Send may be called from any goroutine; writes are serialized.
//   - Close is idempotent and safe to call concurrently with Send.
type Transport struct {
	cfg    SerialConfig
	port   Port
	queue  *LineQueue
	framer *lineFramer

	writeMu sync.Mutex

	connected atomic.Bool
	closing   *closeOnce // closed when Close starts
	stopped   *closeOnce // closed when the reader goroutine exits
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	bytesRx      atomic.Uint64
	linesRx      atomic.Uint64
	commandsTx   atomic.Uint64
	sendErrors   atomic.Uint64
	readErrors   atomic.Uint64
	lastActivity atomic.Int64
	openedAt     time.Time

	logger Logger
}

// Connect opens the port, applies 8N1 at the configured rate and starts
// the receive path. It does not retry.
//
// Parameters:
//   - cfg: Port name and line settings
//   - queue: Destination for framed lines
//   - opts: Optional logger and port opener
//
// Returns:
//   - *Transport: Open transport, receiving
//   - error: Wraps ErrPortNotFound, ErrPortBusy, ErrPermissionDenied or ErrConnectFailed
func Connect(cfg SerialConfig, queue *LineQueue, opts ...Option) (*Transport, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: line queue is required", ErrConnectFailed)
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: port name is required", ErrPortNotFound)
	}
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	port, err := o.opener(cfg.Port, cfg.mode())
	if err != nil {
		return nil, classifyOpenError(cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %s: setting read timeout: %w", ErrConnectFailed, cfg.Port, err)
	}

	t := &Transport{
		cfg:      cfg,
		port:     port,
		queue:    queue,
		closing:  newCloseOnce(),
		stopped:  newCloseOnce(),
		logger:   o.logger,
		openedAt: time.Now(),
	}
	t.framer = newLineFramer(t.pushLine)
	t.lastActivity.Store(t.openedAt.UnixNano())
	t.connected.Store(true)

	t.wg.Add(1)
	go t.receiveLoop()

	t.logInfo("serial port opened", "port", cfg.Port, "baud", cfg.BaudRate, "rts", cfg.AssertRTS)
	return t, nil
}

// classifyOpenError maps library and OS errors onto the connect sentinels.
func classifyOpenError(name string, err error) error {
	kind := ErrConnectFailed

	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound:
			kind = ErrPortNotFound
		case serial.PortBusy:
			kind = ErrPortBusy
		case serial.PermissionDenied:
			kind = ErrPermissionDenied
		}
	} else {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			kind = ErrPortNotFound
		case errors.Is(err, fs.ErrPermission):
			kind = ErrPermissionDenied
		case errors.Is(err, syscall.EBUSY):
			kind = ErrPortBusy
		}
	}

	return fmt.Errorf("%w: %s: %w", kind, name, err)
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}

func (t *Transport) pushLine(line RawLine) {
	t.linesRx.Add(1)
	t.queue.Push(line)
}

// receiveLoop reads until Close or a read error. A read that times out
// returns (0, nil) and simply loops.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	defer t.stopped.Close()

	buf := make([]byte, readBufferSize)
	for {
		if t.closing.IsClosed() {
			return
		}

		n, err := t.port.Read(buf)

		// Nothing reaches the queue once Close has begun.
		if t.closing.IsClosed() {
			return
		}

		if n > 0 {
			t.bytesRx.Add(uint64(n))
			t.lastActivity.Store(time.Now().UnixNano())
			t.framer.Write(buf[:n]) //nolint:errcheck // lineFramer never fails
		}

		if err != nil {
			t.readErrors.Add(1)
			t.connected.Store(false)
			t.logError("serial read failed, link down", "port", t.cfg.Port, "error", err)
			return
		}
	}
}

// Send writes one encoded command. Concurrent calls are serialized so two
// commands never interleave on the wire.
func (t *Transport) Send(command, value int) error {
	if t == nil || !t.IsConnected() {
		return ErrNotConnected
	}

	line := Encode(command, value)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(t.port, line); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("%w: %d,%d: %w", ErrSendFailed, command, value, err)
	}

	t.commandsTx.Add(1)
	t.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// writeFull keeps writing until p is consumed or the port errors.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Close stops the receive path and then releases the port. It is
// idempotent and safe on a nil Transport.
func (t *Transport) Close() error {
	if t == nil || t.closing == nil {
		return nil
	}

	t.closeOnce.Do(func() {
		t.connected.Store(false)
		t.closing.Close()

		portClosed := false
		if !t.waitReader(t.cfg.ReadTimeout + readerStopGrace) {
			// The port ignored its read timeout; closing the handle unblocks Read.
			t.closeErr = t.closePort()
			portClosed = true
			t.wg.Wait()
		}
		if !portClosed {
			t.closeErr = t.closePort()
		}

		t.logInfo("serial port closed", "port", t.cfg.Port)
	})

	return t.closeErr
}

func (t *Transport) closePort() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("closing serial port %s: %w", t.cfg.Port, err)
	}
	return nil
}

func (t *Transport) waitReader(timeout time.Duration) bool {
	select {
	case <-t.stopped.Done():
		t.wg.Wait()
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done is closed when the receive path has stopped, either through Close
// or because the device went away.
func (t *Transport) Done() <-chan struct{} {
	return t.stopped.Done()
}

// IsConnected reports whether the port is open and the reader is running.
func (t *Transport) IsConnected() bool {
	return t != nil && t.connected.Load()
}

// Port returns the configured port name.
func (t *Transport) Port() string {
	return t.cfg.Port
}

// Stats returns counters for this link.
func (t *Transport) Stats() TransportStats {
	if t == nil {
		return TransportStats{}
	}
	var overflows uint64
	if t.framer != nil {
		overflows = t.framer.overflows.Load()
	}
	return TransportStats{
		Port:           t.cfg.Port,
		Connected:      t.IsConnected(),
		BytesRx:        t.bytesRx.Load(),
		LinesRx:        t.linesRx.Load(),
		LinesOverflow:  overflows,
		CommandsTx:     t.commandsTx.Load(),
		SendErrors:     t.sendErrors.Load(),
		ReadErrors:     t.readErrors.Load(),
		LastActivity:   time.Unix(0, t.lastActivity.Load()),
		ConnectedSince: t.openedAt,
	}
}

func (t *Transport) logInfo(msg string, keysAndValues ...any) {
	if t.logger != nil {
		t.logger.Info(msg, keysAndValues...)
	}
}

func (t *Transport) logError(msg string, keysAndValues ...any) {
	if t.logger != nil {
		t.logger.Error(msg, keysAndValues...)
	}
}
