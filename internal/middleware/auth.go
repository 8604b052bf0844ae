package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/qqqwwwyeee-boop/server5/internal/util"
)

const claimsKey = "claims"

// Auth requires a valid Bearer token and stores its claims in Locals.
func Auth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Missing authentication token",
			})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid authentication format",
			})
		}

		claims, err := util.ValidateToken(secret, tokenParts[1])
		if err != nil {
			log.Debug().Err(err).Str("ip", c.IP()).Msg("rejected admin token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid authentication token",
			})
		}

		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

// AdminOnly must run after Auth.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := Claims(c)
		if claims == nil || claims.Role != util.RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "Admin role required",
			})
		}
		return c.Next()
	}
}

// Claims returns the token claims stored by Auth, or nil.
func Claims(c *fiber.Ctx) *util.Claims {
	claims, _ := c.Locals(claimsKey).(*util.Claims)
	return claims
}

// Actor names the caller for the audit trail.
func Actor(c *fiber.Ctx) string {
	if claims := Claims(c); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return "anonymous"
}
