package router

import (
	"context"

	"virtual_space_service/internal/chat/app"
	"virtual_space_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 註冊 chat websocket 路由, 握手時驗證 token
func RegisterRoutes(r *fiber.App, allowedOrigin string, auth middlewares.AuthConfig, chatWebsocket *app.ChatWebsocketHandler) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigin,
		AllowCredentials: allowedOrigin != "*",
	}))

	r.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	r.Use("/ws", middlewares.JWTMiddleware(auth), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals(middlewares.TokenMemberID).(string)
		username, _ := c.Locals(middlewares.TokenUsername).(string)
		chatWebsocket.HandleConnection(context.Background(), c, userID, username)
	}))
}
