package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/skillpilot/skillpilot/app/controllers"
	"github.com/skillpilot/skillpilot/internal/pkg/env"
)

type HttpRouter struct {
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Provider webhook: raw body, no rate limiter (the provider retries on
	// 429 and signature verification is the gate).
	app.Post("/webhooks/billing", controllers.HandleBillingWebhook)

	h.registerAdminRoutes(app)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	adminGroup := app.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}))

	abc := controllers.NewAdminBillingController()
	adminGroup.Get("/billing/stats", abc.HandleBillingStats)
	adminGroup.Get("/billing/events", abc.HandleListEvents)
	adminGroup.Get("/billing/dead-letters", abc.HandleListDeadLetters)
	adminGroup.Post("/billing/events/:id/cancel", abc.HandleCancelEvent)
}
