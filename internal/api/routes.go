package api

import (
	"context"

	"github.com/fieldbridge/fieldbridge/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SetupRoutes wires every route this bridge exposes onto app, in the
// teacher's api.Group("/api/v1")-then-route-per-concern shape.
func SetupRoutes(app *fiber.App, svc *Service) {
	app.Use(metrics.Middleware(svc.Metrics))

	// Health check is never behind the API key: an orchestrator probing
	// liveness shouldn't need a secret.
	app.Get("/healthz", svc.healthCheck)

	if svc.MetricsEnabled {
		app.Get("/metrics", apiKeyMiddleware(svc.APIKeyHashes), svc.metricsScrape)
	}

	v1 := app.Group("/api/v1", apiKeyMiddleware(svc.APIKeyHashes))

	v1.Get("/devices", svc.listDevices)
	v1.Get("/devices/:id/registers", svc.deviceRegisters)

	v1.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws", websocket.New(func(c *websocket.Conn) {
		svc.Stream.HandleConn(c)
	}))
}

// healthCheck reports overall fleet health; never requires an API key.
func (s *Service) healthCheck(c *fiber.Ctx) error {
	return c.JSON(s.Health.GetCheckResults())
}

// metricsScrape serves the Prometheus text exposition format.
func (s *Service) metricsScrape(c *fiber.Ctx) error {
	s.Metrics.UpdateSystemMetrics()
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.Metrics.PrometheusFormat())
}

// listDevices returns the latest register snapshot for every known device.
func (s *Service) listDevices(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"devices": s.Store.SnapshotAll()})
}

// deviceRegisters returns the latest register snapshot for one device.
func (s *Service) deviceRegisters(c *fiber.Ctx) error {
	id := c.Params("id")
	regs, ok := s.Store.Snapshot(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown device " + id})
	}
	return c.JSON(fiber.Map{"device_id": id, "registers": regs})
}

// RunStream starts the websocket fan-out hub's bus-draining loop. Callers
// should run this in its own goroutine alongside the fiber app.Listen.
func RunStream(ctx context.Context, svc *Service) {
	svc.Stream.Run(ctx)
}
