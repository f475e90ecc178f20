package auth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v3"

	"github.com/agentmesh/agentmesh-server/internal/httputil"
)

// RequireAdminKey returns Fiber middleware that guards operator endpoints with a static API key carried in the
// X-Admin-Key header. The comparison is constant-time.
func RequireAdminKey(key string) fiber.Handler {
	expected := []byte(key)
	return func(c fiber.Ctx) error {
		provided := []byte(c.Get("X-Admin-Key"))
		if len(provided) == 0 {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing admin key")
		}
		if subtle.ConstantTimeCompare(expected, provided) != 1 {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Invalid admin key")
		}
		return c.Next()
	}
}

// RequireAuth returns Fiber middleware that validates a Bearer token from the Authorization header and stores the
// verified identity in c.Locals("identity").
func RequireAuth(verifier *Verifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid authorization format")
		}

		identity, err := verifier.Verify(header[len(prefix):])
		if err != nil {
			message := "Invalid token"
			if err == ErrTokenExpired {
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, message)
		}

		c.Locals("identity", identity)
		return c.Next()
	}
}
