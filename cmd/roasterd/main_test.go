package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/roaster-core/internal/audit"
	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/database"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
)

var errPortClosed = errors.New("port closed")

// echoPort answers relay commands the way the controller does: with a
// status line for the switched relay.
type echoPort struct {
	mu      sync.Mutex
	replies chan []byte
	closed  chan struct{}
	once    sync.Once
	written bytes.Buffer
}

func newEchoPort() *echoPort {
	return &echoPort{replies: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *echoPort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.replies:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, errPortClosed
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (p *echoPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written.Write(b)
	p.mu.Unlock()

	switch strings.TrimSpace(string(b)) {
	case "1,8":
		p.replies <- []byte("0,8,1\r\n")
	case "2,8":
		p.replies <- []byte("0,8,0\r\n")
	}
	return len(b), nil
}

func (p *echoPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *echoPort) SetReadTimeout(time.Duration) error { return nil }

func (p *echoPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "roasterd dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestPortsCmd(t *testing.T) {
	orig := listPorts
	t.Cleanup(func() { listPorts = orig })

	tests := []struct {
		name    string
		ports   []string
		err     error
		want    string
		wantErr bool
	}{
		{name: "ports present", ports: []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, want: "/dev/ttyUSB0\n/dev/ttyACM0\n"},
		{name: "no ports", want: "no serial ports found\n"},
		{name: "enumeration fails", err: errors.New("no sysfs"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listPorts = func() ([]string, error) { return tt.ports, tt.err }
			out, err := execute(t, "ports")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ports error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestSendCmd(t *testing.T) {
	port := newEchoPort()
	var opened string
	linkOptions = []roaster.Option{roaster.WithPortOpener(func(name string, _ *serial.Mode) (roaster.Port, error) {
		opened = name
		return port, nil
	})}
	t.Cleanup(func() { linkOptions = nil })

	t.Setenv("ROASTER_CONFIG", "/nonexistent/config.yaml")
	out, err := execute(t, "send", "1", "8", "--port", "/dev/ttyFAKE", "--wait", "300ms")
	if err != nil {
		t.Fatalf("send error = %v", err)
	}

	if opened != "/dev/ttyFAKE" {
		t.Errorf("opened port = %q, want /dev/ttyFAKE", opened)
	}
	if !strings.Contains(port.Written(), "1,8\n") {
		t.Errorf("written = %q, want 1,8", port.Written())
	}
	if !strings.Contains(out, "sent 1,8 to /dev/ttyFAKE") {
		t.Errorf("output missing send line: %q", out)
	}
	if !strings.Contains(out, "gas_relay = 1") {
		t.Errorf("output missing reported state: %q", out)
	}
	select {
	case <-port.closed:
	default:
		t.Error("port left open after send")
	}
}

func TestSendCmd_BadArgs(t *testing.T) {
	tests := [][]string{
		{"send", "one", "8"},
		{"send", "1", "eight"},
		{"send", "1"},
	}
	for _, args := range tests {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("execute(%v) error = nil", args)
		}
	}
}

func TestSendCmd_PortMissing(t *testing.T) {
	linkOptions = []roaster.Option{roaster.WithPortOpener(func(string, *serial.Mode) (roaster.Port, error) {
		return nil, &os.PathError{Op: "open", Path: "/dev/ttyNONE", Err: os.ErrNotExist}
	})}
	t.Cleanup(func() { linkOptions = nil })

	t.Setenv("ROASTER_CONFIG", "/nonexistent/config.yaml")
	_, err := execute(t, "send", "0", "0", "--port", "/dev/ttyNONE")
	if !errors.Is(err, roaster.ErrPortNotFound) {
		t.Errorf("send error = %v, want ErrPortNotFound", err)
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Roaster.ID = "bench"
	cfg.Roaster.Serial.Port = "/dev/ttyUSB3"
	cfg.Roaster.PollInterval = 500
	cfg.Roaster.ReconnectInterval = 7
	cfg.MQTT.QoS = 2

	bc := bridgeConfig(cfg)
	if bc.ID != "bench" || bc.Link.Serial.Port != "/dev/ttyUSB3" || bc.QoS != 2 {
		t.Errorf("bridgeConfig() = %+v", bc)
	}
	if bc.Link.PollInterval != 500*time.Millisecond || bc.Link.DrainInterval != 250*time.Millisecond {
		t.Errorf("link intervals = %v/%v, want 500ms/250ms", bc.Link.PollInterval, bc.Link.DrainInterval)
	}
	if bc.ReconnectInterval != 7*time.Second {
		t.Errorf("ReconnectInterval = %v, want 7s", bc.ReconnectInterval)
	}
	if bc.Link.Serial.BaudRate != 9600 || bc.Link.Serial.DataBits != 8 || bc.Link.Serial.StopBits != 1 {
		t.Errorf("serial = %+v, want 9600 8N1", bc.Link.Serial)
	}
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

const testServiceConfig = `
roaster:
  id: "bench"
  serial:
    port: "/dev/roaster-test-does-not-exist"
  reconnect_interval: %s
database:
  path: "%s"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: discard
`

// TestRun_StartsWithoutDevice verifies the service comes up and shuts down
// cleanly while the serial port is absent and reconnection is enabled.
func TestRun_StartsWithoutDevice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roaster.db")
	path := writeConfig(t, fmt.Sprintf(testServiceConfig, "1", dbPath))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx, path); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// TestRun_FailsWithoutReconnect verifies a missing port is fatal when
// reconnection is disabled.
func TestRun_FailsWithoutReconnect(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roaster.db")
	path := writeConfig(t, fmt.Sprintf(testServiceConfig, "0", dbPath))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, path)
	if err == nil {
		t.Fatal("run() should fail when the port is missing and reconnect is off")
	}
	if !roaster.IsConnectError(err) {
		t.Errorf("run() error = %v, want a connect error", err)
	}
}

func TestCommandAuditAdapter(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "audit.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := audit.NewSQLiteRepository(db.DB)
	adapter := &commandAuditAdapter{repo: repo, logger: logging.Discard()}
	adapter.RecordCommand("m1", "gas_relay", roaster.OutgoingCommand{Command: 1, Value: 8}, nil)
	adapter.RecordCommand("m2", "", roaster.OutgoingCommand{Command: 0, Value: 0}, roaster.ErrNotConnected)

	result, err := repo.List(context.Background(), audit.Filter{Source: audit.SourceMQTT})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("total = %d, want 2", result.Total)
	}
	latest, first := result.Entries[0], result.Entries[1]
	if first.RequestID != "m1" || first.Status != audit.StatusSent || first.Field != "gas_relay" {
		t.Errorf("first = %+v, want sent m1 gas_relay", first)
	}
	if latest.RequestID != "m2" || latest.Status != audit.StatusFailed || latest.Error == "" {
		t.Errorf("latest = %+v, want failed m2", latest)
	}
}
