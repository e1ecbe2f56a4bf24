// Package api is the bridge's HTTP/streaming surface: read-only snapshots
// of the Store, health and metrics endpoints, and the websocket stream of
// RegisterUpdates. It is the external collaborator spec.md §6 names — the
// core only hands it Store.Snapshot*, the Bus, and the health/metrics
// registries to read from. Grounded on the teacher's internal/api/routes.go
// group-based fiber wiring and internal/api/middleware/apikey.go's
// X-API-Key header check, narrowed to a static allowlist since this bridge
// has no key issuance/permission model to manage.
package api

import (
	"github.com/fieldbridge/fieldbridge/internal/security"
	"github.com/gofiber/fiber/v2"
)

// apiKeyMiddleware checks the X-API-Key header against a hashed allowlist.
// When keyHashes is empty, authentication is not configured and every
// request passes through unchecked (spec.md is silent on API auth; an
// empty server.api_keys list means "no auth required").
func apiKeyMiddleware(keyHashes map[string]bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(keyHashes) == 0 {
			return c.Next()
		}
		key := c.Get("X-API-Key")
		if key == "" || !keyHashes[security.HashAPIKey(key)] {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid API key"})
		}
		return c.Next()
	}
}

// hashKeys pre-hashes a list of plaintext API keys from config into the
// lookup set apiKeyMiddleware checks against.
func hashKeys(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[security.HashAPIKey(k)] = true
	}
	return out
}
