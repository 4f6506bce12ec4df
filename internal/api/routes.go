package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/metrics"
	"github.com/georgeshao/mail-dam/internal/storage"
)

func SetupRoutes(app *fiber.App, store storage.Store, manager *dispatcher.Manager, m *metrics.Metrics, logger *zap.Logger) {
	h := NewHandler(store, manager, logger)

	v1 := app.Group("/v1")

	v1.Post("/templates", h.CreateTemplate)
	v1.Get("/templates", h.ListTemplates)
	v1.Get("/templates/:id", h.GetTemplate)
	v1.Patch("/templates/:id", h.UpdateTemplate)
	v1.Delete("/templates/:id", h.DeleteTemplate)
	v1.Post("/templates/:id/preview", h.PreviewTemplate)

	v1.Post("/dispatches", h.StartDispatch)
	v1.Get("/dispatches", h.ListDispatches)
	v1.Get("/dispatches/:id", h.GetDispatch)
	v1.Get("/dispatches/:id/results", h.ListResults)
	v1.Post("/dispatches/:id/cancel", h.CancelDispatch)

	v1.Get("/dispatch/status", h.DispatchStatus)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}
