package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	_ "github.com/nerrad567/roaster-core/migrations"

	"github.com/nerrad567/roaster-core/internal/api"
	"github.com/nerrad567/roaster-core/internal/audit"
	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/database"
	"github.com/nerrad567/roaster-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/roaster-core/internal/infrastructure/logging"
	"github.com/nerrad567/roaster-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/roaster-core/internal/roastlog"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the roaster service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Cancel on Ctrl+C or SIGTERM for a graceful shutdown.
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath(cmd))
		},
	}
}

// run is the service, separated from the command for testability.
// Components are started in dependency order and closed in reverse by the
// deferred calls, so the serial link is closed before the database.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, path string) error { //nolint:gocognit,gocyclo // linear start-up sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting roasterd", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", path, "roaster", cfg.Roaster.ID, "port", cfg.Roaster.Serial.Port)

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	commandLog := audit.NewSQLiteRepository(db.DB)
	topics := roaster.NewTopics(cfg.Roaster.TopicPrefix, cfg.Roaster.ID)

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, topics.Status())
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Roaster bridge
	dispatcher := roaster.NewDispatcher(roaster.DispatcherOptions{
		Logger: log.With("component", "dispatcher"),
	})
	opts := roaster.BridgeOptions{
		Config:     bridgeConfig(cfg),
		Dispatcher: dispatcher,
		Auditor:    &commandAuditAdapter{repo: commandLog, logger: log},
		Logger:     log.With("component", "roaster"),
		Version:    version,
	}
	if mqttClient != nil {
		opts.MQTTClient = &mqttBridgeAdapter{client: mqttClient}
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}
	bridge, err := roaster.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating roaster bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting roaster bridge: %w", err)
	}
	defer func() {
		log.Info("stopping roaster bridge")
		bridge.Stop()
	}()

	// Roast log
	roasts := roastlog.NewSQLiteRepository(db.DB)
	recCfg := roastlog.RecorderConfig{
		RoasterID:      cfg.Roaster.ID,
		SampleInterval: cfg.RoastLog.SamplePeriod(),
		Source:         bridge,
		Repository:     roasts,
		Logger:         log.With("component", "roastlog"),
	}
	if influxClient != nil {
		recCfg.Telemetry = influxClient
	}
	recorder, err := roastlog.NewRecorder(recCfg)
	if err != nil {
		return fmt.Errorf("creating roast recorder: %w", err)
	}
	recorder.Start(ctx)
	defer func() {
		log.Info("stopping roast recorder")
		if stopErr := recorder.Stop(context.Background()); stopErr != nil {
			log.Error("error finishing roast", "error", stopErr)
		}
	}()

	// HTTP API (optional)
	if cfg.API.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			roaster.NewCollector(cfg.Roaster.ID, bridge),
		)

		deps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log.With("component", "api"),
			Device:    bridge,
			Recorder:  recorder,
			Roasts:    roasts,
			Audit:     commandLog,
			DB:        db,
			Gatherer:  registry,
			RoasterID: cfg.Roaster.ID,
			Version:   version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// bridgeConfig maps the roaster section of the config file to the bridge.
func bridgeConfig(cfg *config.Config) roaster.BridgeConfig {
	return roaster.BridgeConfig{
		ID:                cfg.Roaster.ID,
		Link:              linkConfig(cfg.Roaster),
		ReconnectInterval: cfg.Roaster.ReconnectPeriod(),
		HealthInterval:    cfg.Roaster.HealthPeriod(),
		TopicPrefix:       cfg.Roaster.TopicPrefix,
		QoS:               byte(cfg.MQTT.QoS),
	}
}

func linkConfig(rc config.RoasterConfig) roaster.LinkConfig {
	return roaster.LinkConfig{
		Serial: roaster.SerialConfig{
			Port:        rc.Serial.Port,
			BaudRate:    rc.Serial.BaudRate,
			DataBits:    rc.Serial.DataBits,
			StopBits:    rc.Serial.StopBits,
			Parity:      rc.Serial.Parity,
			AssertRTS:   rc.Serial.AssertRTS,
			ReadTimeout: rc.Serial.ReadTimeoutPeriod(),
		},
		PollInterval:  rc.PollPeriod(),
		DrainInterval: rc.DrainPeriod(),
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The bridge's handlers return nothing; the client's
// return an error.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements roaster.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements roaster.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements roaster.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// auditWriteTimeout bounds a command log insert made from the MQTT handler.
const auditWriteTimeout = 2 * time.Second

// commandAuditAdapter records MQTT commands in the command log.
type commandAuditAdapter struct {
	repo   audit.Repository
	logger *logging.Logger
}

// RecordCommand implements roaster.CommandAuditor.
func (a *commandAuditAdapter) RecordCommand(id, field string, cmd roaster.OutgoingCommand, err error) {
	entry := &audit.Entry{
		Source:    audit.SourceMQTT,
		Command:   cmd.Command,
		Value:     cmd.Value,
		Field:     field,
		Status:    audit.StatusSent,
		RequestID: id,
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if createErr := a.repo.Create(ctx, entry); createErr != nil {
		a.logger.Warn("failed to record MQTT command", "id", id, "error", createErr)
	}
}
