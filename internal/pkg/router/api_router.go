package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/skillpilot/skillpilot/app/controllers"
	"github.com/skillpilot/skillpilot/internal/pkg/cache"
	"github.com/skillpilot/skillpilot/internal/pkg/env"
	"github.com/skillpilot/skillpilot/internal/pkg/middleware"
)

type ApiRouter struct {
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    limiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.ServiceKeyAuth())
	v1.Post("/credits/deduct", controllers.HandleDeductCredits)
	v1.Get("/users/:id/credits/balance", controllers.HandleGetCreditBalance)
	v1.Get("/users/:id/credits/history", controllers.HandleGetCreditHistory)
}

// limiterStorage backs the rate limiter with Redis so counters survive
// restarts and are shared across instances. Database 1 keeps them apart from
// the cache on DB 0.
func limiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
