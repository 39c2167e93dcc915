package router

import (
	"context"

	"virtual_space_service/internal/space/app"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 註冊 presence websocket 路由
// join 訊息自帶 token, 故 /ws 不掛 JWT middleware
func RegisterRoutes(r *fiber.App, allowedOrigin string, spaceWebsocket *app.SpaceWebsocketHandler) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigin,
		AllowCredentials: allowedOrigin != "*",
	}))

	r.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	r.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		spaceWebsocket.HandleConnection(context.Background(), c)
	}))
}
