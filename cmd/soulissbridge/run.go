package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/nerrad567/gray-logic-souliss/migrations"

	"github.com/nerrad567/gray-logic-souliss/internal/api"
	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/device"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-souliss/internal/trace"
)

// historyPruneInterval is how often expired slot history is deleted.
const historyPruneInterval = time.Hour

// run starts every component and blocks until ctx is cancelled.
// Deferred Close calls unwind in reverse start order.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting Gray Logic Souliss bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, logCloser, err := logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer logCloser.Close() //nolint:errcheck // Best-effort on exit
	log.Info("configuration loaded",
		"path", configPath,
		"gateways", len(cfg.Souliss.Gateways),
		"log_level", cfg.Logging.Level,
	)

	// Persistence is optional: without it the bridge relearns typicals
	// from the gateways after every restart.
	var (
		db      *database.DB
		store   device.Repository
		history device.StateHistoryRepository
	)
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
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
		store = device.NewSQLiteRepository(db)
		history = device.NewSQLiteStateHistoryRepository(db)
		log.Info("database ready", "path", cfg.Database.Path)
	} else {
		log.Info("database disabled")
	}

	// The Last Will is the bridge's offline health message, registered
	// before connecting.
	bridgeID := cfg.Souliss.BridgeID
	lwt, err := json.Marshal(souliss.NewLWTMessage(bridgeID))
	if err != nil {
		return fmt.Errorf("building last will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(souliss.HealthTopic(), lwt, 1, true),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, fmt.Sprint(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

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
	}

	var recorder *trace.FileRecorder
	if cfg.Trace.Enabled {
		recorder, err = trace.NewFileRecorder(cfg.Trace.Path, log.Component("trace"))
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		defer func() {
			recorded, failed := recorder.Stats()
			log.Info("closing trace file", "recorded", recorded, "failed", failed)
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing trace file", "error", closeErr)
			}
		}()
		log.Info("frame trace enabled", "path", cfg.Trace.Path, "session", recorder.Session())
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	opts := souliss.BridgeOptions{
		BridgeID:       bridgeID,
		Version:        version,
		Gateways:       gatewayConfigs(&cfg.Souliss),
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Events:         hub,
		HealthInterval: cfg.Souliss.HealthInterval,
		Logger:         log.Component("souliss"),
	}
	if cfg.Souliss.Discovery.Enabled {
		opts.Discovery = souliss.NewDiscovery(discoveryConfig(&cfg.Souliss))
	}
	// Optional collaborators are only set when present so the bridge sees
	// a nil interface rather than a typed nil pointer.
	if store != nil {
		opts.Store = store
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	if recorder != nil {
		opts.Recorder = recorder
	}

	bridge, err := souliss.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating Souliss bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting Souliss bridge: %w", err)
	}
	defer func() {
		log.Info("stopping Souliss bridge")
		bridge.Stop()
	}()

	if cfg.Souliss.Discovery.Enabled && cfg.Souliss.Discovery.OnStart {
		go func() {
			found, err := bridge.Discover(ctx)
			if err != nil {
				log.Warn("startup discovery failed", "error", err)
				return
			}
			log.Info("startup discovery complete", "gateways", len(found))
		}()
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Bridge:  bridge,
			Store:   store,
			History: history,
			DB:      db,
			Hub:     hub,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if history != nil && cfg.Database.HistoryRetention > 0 {
		go pruneHistoryLoop(ctx, history, cfg.Database.HistoryRetention, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// gatewayConfigs converts the configured gateways, resolving the shared
// port and vNet indexes.
func gatewayConfigs(s *config.SoulissConfig) []souliss.GatewayConfig {
	out := make([]souliss.GatewayConfig, 0, len(s.Gateways))
	for _, gw := range s.Gateways {
		nodeIndex, userIndex := s.IndexesFor(gw)
		out = append(out, souliss.GatewayConfig{
			ID:                   gw.ID,
			Address:              gw.Address,
			Port:                 s.GatewayPortFor(gw),
			LocalPort:            gw.LocalPort,
			NodeIndex:            nodeIndex,
			UserIndex:            userIndex,
			Nodes:                gw.Nodes,
			MaxTypicalPerNode:    gw.MaxTypicalPerNode,
			SendInterval:         gw.SendInterval,
			SendMinDelay:         gw.SendMinDelay,
			TimeoutToRequeue:     gw.TimeoutToRequeue,
			TimeoutToRemove:      gw.TimeoutToRemove,
			PingInterval:         gw.PingInterval,
			SubscriptionInterval: gw.SubscriptionInterval,
			HealthInterval:       gw.HealthInterval,
			ReadTimeout:          gw.ReadTimeout,
		})
	}
	return out
}

// discoveryConfig converts the discovery section. Targets were validated
// by config.Validate.
func discoveryConfig(s *config.SoulissConfig) souliss.DiscoveryConfig {
	dc := souliss.DiscoveryConfig{
		Port:      s.GatewayPort,
		LocalPort: s.Discovery.LocalPort,
		Timeout:   s.Discovery.Timeout,
		NodeIndex: byte(s.NodeIndex),
		UserIndex: byte(s.UserIndex),
	}
	for _, t := range s.Discovery.Targets {
		if ip := net.ParseIP(t); ip != nil {
			dc.Targets = append(dc.Targets, ip)
		}
	}
	return dc
}

// pruneHistoryLoop deletes slot history older than retention, once at
// start and then hourly.
func pruneHistoryLoop(ctx context.Context, history device.StateHistoryRepository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		n, err := history.PruneHistory(ctx, retention)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Warn("state history prune failed", "error", err)
		case n > 0:
			log.Info("state history pruned", "rows", n, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies the infrastructure connections. db and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface, whose handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements souliss.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements souliss.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements souliss.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
