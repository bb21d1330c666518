package handler

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	localsActorKey = "actor"
	localsRolesKey = "roles"
)

// RequireAuth validates the Bearer token and stores the caller identity in
// request locals. Tokens are HMAC-signed; the subject claim is the actor
// recorded on every job the request creates.
func RequireAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if header == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header format")
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token claims")
		}

		subject, _ := claims["sub"].(string)
		if strings.TrimSpace(subject) == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token has no subject")
		}

		c.Locals(localsActorKey, subject)
		c.Locals(localsRolesKey, claimRoles(claims))
		return c.Next()
	}
}

// RequireRoles allows the request through when the token carries at least
// one of the given roles. It must run after RequireAuth.
func RequireRoles(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[strings.ToLower(role)] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		granted, _ := c.Locals(localsRolesKey).([]string)
		for _, role := range granted {
			if _, ok := allowed[strings.ToLower(role)]; ok {
				return c.Next()
			}
		}
		return fiber.NewError(fiber.StatusForbidden, "insufficient role")
	}
}

func claimRoles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, item := range raw {
		if role, ok := item.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

// Actor returns the authenticated subject, or empty when the route is not
// behind RequireAuth.
func Actor(c *fiber.Ctx) string {
	actor, _ := c.Locals(localsActorKey).(string)
	return actor
}
