package middlewares

import (
	"strings"

	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/token"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	//QueryToken token in query name
	QueryToken = "auth"
	//CookieToken token in cookie name
	CookieToken = "auth_token"

	//QueryDemoUserID demo handshake user id
	QueryDemoUserID = "userId"
	//QueryDemoUsername demo handshake username
	QueryDemoUsername = "username"

	//TokenMemberID get member form token, set c.locals name
	TokenMemberID = "MemberID"
	//TokenUsername get username form token, set c.locals name
	TokenUsername = "username"
	//TokenRole get role form token, set c.locals name
	TokenRole = "role"
)

// AuthConfig controls the handshake accepted by JWTMiddleware.
type AuthConfig struct {
	// DemoAuth 允許沒有 token 時以 userId/username query 握手
	DemoAuth bool
}

// JWTMiddleware validates the JWT from query, cookie or Authorization header
// and stores the claims in c.Locals.
func JWTMiddleware(cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := extractToken(c)

		if tokenStr == "" {
			if cfg.DemoAuth {
				return demoHandshake(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing token",
			})
		}

		claims, err := token.Verify(tokenStr)
		if err != nil {
			logger.Log.Debug("reject token", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(TokenMemberID, claims.MemberID)
		c.Locals(TokenUsername, claims.Username)
		c.Locals(TokenRole, claims.Role)

		return c.Next()
	}
}

func extractToken(c *fiber.Ctx) string {
	if t := c.Query(QueryToken); t != "" {
		return t
	}
	if t := c.Cookies(CookieToken); t != "" {
		return t
	}
	if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func demoHandshake(c *fiber.Ctx) error {
	userID := c.Query(QueryDemoUserID)
	username := c.Query(QueryDemoUsername)
	if userID == "" || username == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Missing token",
		})
	}

	logger.Log.Warn("demo handshake accepted", zap.String("userID", userID))
	c.Locals(TokenMemberID, userID)
	c.Locals(TokenUsername, username)
	c.Locals(TokenRole, string(token.RoleGuest))
	return c.Next()
}
