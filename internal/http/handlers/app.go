package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	applog "certgate/internal/log"
)

type AppOptions struct {
	BodyLimit  int
	RatePerMin int // 0 disables the limiter
}

// ErrorHandler logs the failure and answers with a generic JSON error.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	msg := "Something went wrong. Please try again."
	if fe, ok := err.(*fiber.Error); ok && fe.Code < fiber.StatusInternalServerError {
		status, msg = fe.Code, fe.Message
	}
	c.Status(status)
	applog.Error(c, "server.error", err, nil)
	return c.JSON(fiber.Map{"success": false, "error": msg})
}

func accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	applog.Debug(c, "http.access", map[string]any{"latency_ms": time.Since(start).Milliseconds()})
	return err
}

func probe(c *fiber.Ctx) bool {
	switch c.Path() {
	case "/healthz", "/metrics":
		return true
	}
	return false
}

// NewApp builds the gateway with its middleware and routes.
func NewApp(opts AppOptions, deps *Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "certgate",
		BodyLimit:             opts.BodyLimit,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(accessLog)
	app.Use(helmet.New())
	if opts.RatePerMin > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        opts.RatePerMin,
			Expiration: time.Minute,
			Next:       probe,
			LimitReached: func(c *fiber.Ctx) error {
				applog.Security(c, "rate.limit.hit", nil)
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"success": false, "error": "rate limit exceeded, retry soon"})
			},
		}))
	}

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	h := deps.CertificateHandler
	certs := app.Group("/certificates")
	certs.Post("/upload", h.Upload)
	certs.Get("/", h.List)
	certs.Get("/:productId", h.ListForProduct)
	certs.Delete("/:productId/:certId", h.DeleteCertificate)
	certs.Delete("/:productId", h.DeleteProduct)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not found"})
	})
	return app
}
