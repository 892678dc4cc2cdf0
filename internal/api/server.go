package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/roaster-core/internal/audit"
	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
	"github.com/nerrad567/roaster-core/internal/roastlog"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Device is the roaster as seen by the API. *roaster.Bridge implements it.
type Device interface {
	Snapshot() roaster.State
	Connected() bool
	Stats() roaster.BridgeStats
	SubmitCommand(command, value int) error
	SetRelay(field roaster.FieldID, on bool) error
	ToggleRelay(field roaster.FieldID) (bool, error)
	SetValve(percent int) error
	OnFieldChanged(fn roaster.FieldChangedFunc)
}

// RoastTimer drives the roast log. *roastlog.Recorder implements it.
type RoastTimer interface {
	Status() roastlog.Status
	Toggle(ctx context.Context) (roastlog.TimerState, error)
	Reset(ctx context.Context) error
	MarkCrack(ctx context.Context, crack roastlog.Crack) error
	OnSample(fn roastlog.SampleFunc)
	OnEvent(fn roastlog.EventFunc)
}

// DBStatser reports connection pool statistics.
type DBStatser interface {
	Stats() sql.DBStats
}

// MQTTStatus reports broker connectivity.
type MQTTStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Device Device

	// Recorder and Roasts are optional; their endpoints return 503 without
	// them.
	Recorder RoastTimer
	Roasts   roastlog.Repository

	// Audit records submitted commands and serves GET /commands. Optional.
	Audit audit.Repository

	MQTT MQTTStatus
	DB   DBStatser

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	RoasterID string
	Version   string
}

// Server is the HTTP API server for roasterd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	device    Device
	recorder  RoastTimer
	roasts    roastlog.Repository
	audit     audit.Repository
	mqtt      MQTTStatus
	db        DBStatser
	gatherer  prometheus.Gatherer
	roasterID string
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The WebSocket hub is created here and fed by listeners registered on the
// device and recorder, so no event is missed between New and Start.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Device == nil {
		return nil, errors.New("device is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		device:    deps.Device,
		recorder:  deps.Recorder,
		roasts:    deps.Roasts,
		audit:     deps.Audit,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		gatherer:  deps.Gatherer,
		roasterID: deps.RoasterID,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.WS, deps.Logger, s.fieldSnapshot)

	s.device.OnFieldChanged(func(change roaster.FieldChange) {
		s.hub.PublishField(roaster.NewStateMessage(s.roasterID, change))
	})
	if s.recorder != nil {
		s.recorder.OnSample(s.hub.PublishSample)
		s.recorder.OnEvent(s.hub.PublishEvent)
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}

	return nil
}
