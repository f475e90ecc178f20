package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/agentmesh/agentmesh-server/internal/httputil"
	"github.com/agentmesh/agentmesh-server/internal/ratelimit"
)

// RateLimit returns Fiber middleware charging one point per request against the given quota class. Buckets are keyed
// by client IP, honouring the first X-Forwarded-For entry when present.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class) fiber.Handler {
	return func(c fiber.Ctx) error {
		identity := ratelimit.ClientIdentity("", c.Get("X-Forwarded-For"), c.IP())
		res := limiter.Consume(c.Context(), class, identity, 1)
		if !res.Allowed {
			retryAfter := int64(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			return httputil.Fail(c, fiber.StatusTooManyRequests, httputil.CodeRateLimited, "Too many requests")
		}
		return c.Next()
	}
}
