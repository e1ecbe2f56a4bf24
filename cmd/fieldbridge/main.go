// Command fieldbridge is the polling bridge's entrypoint: it loads config,
// starts one Poller per configured device, fans updates out over the Bus to
// the MQTT Publisher and the websocket Hub, and serves the HTTP/stream API.
// Grounded on the teacher's cmd/edgeflow/main.go wiring shape (fiber.New +
// recover/cors middleware + route setup + blocking Listen) and on
// _examples/edgeo-scada-modbus-tcp/examples/server/main.go's
// signal.Notify/context.WithCancel shutdown idiom, which the teacher's own
// main.go does not demonstrate.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/api"
	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/config"
	"github.com/fieldbridge/fieldbridge/internal/health"
	"github.com/fieldbridge/fieldbridge/internal/logger"
	"github.com/fieldbridge/fieldbridge/internal/metrics"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/fieldbridge/fieldbridge/internal/mqttpublish"
	"github.com/fieldbridge/fieldbridge/internal/poller"
	"github.com/fieldbridge/fieldbridge/internal/store"
	"github.com/fieldbridge/fieldbridge/internal/stream"
	"github.com/fieldbridge/fieldbridge/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// Version is the build version, overridden at link time if desired.
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// A malformed config file is fatal; a missing one falls back to
		// defaults inside config.Load and never reaches here as an error.
		fmt.Fprintf(os.Stderr, "fieldbridge: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "fieldbridge: logger init failed: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()
	defer logger.Sync()

	log.Info("fieldbridge starting", zap.String("version", Version))

	specs, err := config.BuildDeviceSpecs(cfg)
	if err != nil {
		log.Fatal("invalid device configuration", zap.Error(err))
	}

	st := store.New()
	eventBus := bus.New(bus.DefaultCapacity)
	metricsReg := metrics.NewMetrics()
	healthReg := health.NewHealthChecker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pollerWG sync.WaitGroup
	for _, spec := range specs {
		tr, err := buildTransport(spec, log)
		if err != nil {
			// A single device's connection failure is logged and that
			// device is skipped; it never brings down the rest of the
			// bridge or the HTTP API.
			log.Error("device transport unavailable, skipping device",
				zap.String("device_id", spec.ID), zap.Error(err))
			continue
		}

		p := poller.New(spec, tr, st, eventBus, log)
		healthReg.RegisterCheck(
			"transport:"+spec.ID,
			transportHealthCheck(st, spec),
			spec.PollInterval,
		)

		pollerWG.Add(1)
		go func(spec modbusmodel.DeviceSpec) {
			defer pollerWG.Done()
			if err := p.Run(ctx); err != nil {
				log.Error("poller exited with error", zap.String("device_id", spec.ID), zap.Error(err))
			}
		}(spec)
	}

	publisher := mqttpublish.New(mqttConfig(cfg.MQTT), log)
	healthReg.RegisterCheck("mqtt", health.MQTTHealthCheck(publisher.IsConnected), 30*time.Second)
	healthReg.RegisterCheck("disk", health.DiskSpaceHealthCheck(func() (used, total uint64) {
		return diskUsage("/")
	}), 60*time.Second)
	healthReg.RegisterCheck("memory", health.MemoryHealthCheck(func() (used, total uint64) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return mem.Alloc, mem.Sys
	}), 60*time.Second)
	healthReg.RegisterCheck("goroutines", health.GoroutineHealthCheck(runtime.NumGoroutine, 10000), 30*time.Second)

	mqttSub := eventBus.Subscribe()
	mqttStop := make(chan struct{})
	mqttDone := make(chan struct{})
	go func() {
		defer close(mqttDone)
		publisher.Run(mqttSub, mqttStop)
	}()

	hub := stream.NewHub(eventBus, log)
	go hub.Run(ctx)
	logger.SetBroadcaster(hub.BroadcastLog)

	svc := api.NewService(st, healthReg, metricsReg, hub, log, cfg.Server.MetricsEnabled, cfg.Server.APIKeys)

	go healthReg.StartPeriodicChecks(ctx)
	go reportFleetMetrics(ctx, metricsReg, healthReg, len(specs))

	app := fiber.New(fiber.Config{AppName: "fieldbridge v" + Version})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin, Content-Type, X-API-Key",
	}))
	api.SetupRoutes(app, svc)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		log.Error("http server failed to start", zap.Error(err))
	}

	// 1. Stop accepting new poll ticks; each Poller finishes the register
	// read already in flight and closes its own Transport before Run
	// returns.
	cancel()
	pollerWG.Wait()
	log.Info("all pollers stopped")

	// 2. Close the bus: it flushes anything still buffered per subscriber
	// before the publisher's receive loop sees its channel close.
	eventBus.Close()
	<-mqttDone
	close(mqttStop)

	// 3. Publish a final offline status for every configured device, then
	// let the client finish its in-flight publishes before disconnecting.
	for _, spec := range specs {
		if err := publisher.PublishStatus(spec.ID, false); err != nil {
			log.Warn("failed to publish offline status", zap.String("device_id", spec.ID), zap.Error(err))
		}
	}
	publisher.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	log.Info("fieldbridge stopped")
}

// buildTransport constructs the Transport a DeviceSpec's connection
// section describes. RTU parameter coercion warnings are routed through
// the structured logger rather than stderr.
func buildTransport(spec modbusmodel.DeviceSpec, log *zap.Logger) (transport.Transport, error) {
	switch spec.TransportKind {
	case modbusmodel.TCP:
		return transport.NewTCPTransport(transport.TCPConfig{
			Host:   spec.TCP.Host,
			Port:   spec.TCP.Port,
			UnitID: spec.TCP.UnitID,
		})
	case modbusmodel.RTU:
		warn := func(msg string) {
			log.Warn("rtu connection parameter coerced", zap.String("device_id", spec.ID), zap.String("detail", msg))
		}
		return transport.NewRTUTransport(transport.RTUConfig{
			Port:     spec.RTU.Port,
			BaudRate: spec.RTU.BaudRate,
			DataBits: spec.RTU.DataBits,
			StopBits: spec.RTU.StopBits,
			Parity:   spec.RTU.Parity,
			UnitID:   spec.RTU.UnitID,
		}, warn)
	default:
		return nil, errors.New("unknown transport kind for device " + spec.ID)
	}
}

// transportHealthCheck reports a device unhealthy once its newest register
// write is older than twice its poll interval. This is a store-freshness
// probe rather than a live re-read: the Poller owns its Transport
// exclusively, so health checks never contend with the polling loop for
// the wire.
func transportHealthCheck(st *store.Store, spec modbusmodel.DeviceSpec) func(context.Context) (health.Status, string) {
	staleAfter := 2 * spec.PollInterval
	return func(ctx context.Context) (health.Status, string) {
		snap, ok := st.Snapshot(spec.ID)
		if !ok || len(snap) == 0 {
			return health.StatusDegraded, "no data polled yet"
		}
		var newest time.Time
		for _, v := range snap {
			if v.Timestamp.After(newest) {
				newest = v.Timestamp
			}
		}
		if time.Since(newest) > staleAfter {
			return health.StatusUnhealthy, "register data is stale, device may be unreachable"
		}
		return health.StatusHealthy, "polling normally"
	}
}

func mqttConfig(c config.MQTTConfig) mqttpublish.Config {
	return mqttpublish.Config{
		Host:        c.Host,
		Port:        c.Port,
		ClientID:    c.ClientID,
		TopicPrefix: c.TopicPrefix,
		QoS:         c.QoS,
		Username:    c.Username,
		Password:    c.Password,
		Retain:      c.Retain,
	}
}

// reportFleetMetrics periodically refreshes the devices_configured/healthy
// gauges from the health registry's latest results.
func reportFleetMetrics(ctx context.Context, m *metrics.Metrics, hc *health.HealthChecker, configured int) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := hc.GetCheckResults()
			healthy := int64(0)
			if checks, ok := results["checks"].([]map[string]interface{}); ok {
				for _, entry := range checks {
					name, _ := entry["name"].(string)
					if strings.HasPrefix(name, "transport:") && entry["status"] == health.StatusHealthy {
						healthy++
					}
				}
			}
			m.SetDeviceCounts(int64(configured), healthy)
		}
	}
}
