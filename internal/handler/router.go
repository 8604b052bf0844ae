package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/qqqwwwyeee-boop/server5/internal/metrics"
	"github.com/qqqwwwyeee-boop/server5/internal/middleware"
	"github.com/qqqwwwyeee-boop/server5/internal/service"
	"github.com/qqqwwwyeee-boop/server5/internal/store"
)

type Deps struct {
	Licenses *service.LicenseService
	Audit    *service.AuditLog
	Metrics  *metrics.Manager // nil disables /metrics

	JWTSecret       string
	AdminSecretHash string
	TokenTTL        time.Duration

	// CheckRateLimit is requests per minute per IP on /check; 0 disables it.
	CheckRateLimit int
	AccessLog      bool
}

// NewApp wires routes and middleware.
func NewApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "server5",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if deps.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New())

	licenses := NewLicenseHandler(deps.Licenses, deps.Audit)
	auth := NewAuthHandler(deps.JWTSecret, deps.AdminSecretHash, deps.TokenTTL)

	app.Get("/", licenses.HandleHome)

	check := []fiber.Handler{}
	if deps.CheckRateLimit > 0 {
		check = append(check, limiter.New(limiter.Config{
			Max:        deps.CheckRateLimit,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"found": false,
					"error": "Too many requests",
				})
			},
		}))
	}
	check = append(check, licenses.HandleCheck)
	app.Post("/check/:key", check...)

	app.Post("/auth/token", auth.HandleIssueToken)

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Metrics.GetRegistry(), promhttp.HandlerOpts{})))
	}

	authRequired := middleware.Auth(deps.JWTSecret)
	adminOnly := middleware.AdminOnly()

	app.Post("/activate", authRequired, adminOnly, licenses.HandleActivate)
	app.Post("/deactivate", authRequired, adminOnly, licenses.HandleDeactivate)
	app.Post("/extend", authRequired, adminOnly, licenses.HandleExtend)
	app.Post("/suspend", authRequired, adminOnly, licenses.HandleSuspend)
	app.Post("/resume", authRequired, adminOnly, licenses.HandleResume)
	app.Get("/list", authRequired, adminOnly, licenses.HandleList)
	app.Get("/stats", authRequired, adminOnly, licenses.HandleStats)
	app.Get("/logs", authRequired, adminOnly, licenses.HandleGetLogs)
	app.Get("/usage/:key", authRequired, adminOnly, licenses.HandleGetUsage)

	return app
}

// ErrorHandler maps errors returned by handlers to status codes.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.Is(err, service.ErrInvalidInput):
		code = fiber.StatusBadRequest
		message = err.Error()
	case errors.Is(err, store.ErrUnavailable):
		code = fiber.StatusServiceUnavailable
		message = "License store unavailable"
	}

	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Str("method", c.Method()).Msg("request failed")
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}
