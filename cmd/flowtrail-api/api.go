// Package main provides the flowtrail API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/cache"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/dukex/flowtrail/pkg/services"
	"github.com/dukex/flowtrail/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// DefaultBodyLimit leaves room for several observations at the per-observation
// size limit in a single submission.
const DefaultBodyLimit = 64 * 1024 * 1024

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       blob.Store
	cache       *cache.ObservationCache
	producer    web.FlowProducer
	queue       web.Pinger
	monitor     *services.IngestionMonitor
	validate    *validator.Validate
	bodyLimit   int
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	store blob.Store,
	cache *cache.ObservationCache,
	producer web.FlowProducer,
	queue web.Pinger,
	monitor *services.IngestionMonitor,
	bodyLimit int,
) *API {
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}

	return &API{
		logger:      logger,
		persistence: persistence,
		store:       store,
		cache:       cache,
		producer:    producer,
		queue:       queue,
		monitor:     monitor,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		bodyLimit:   bodyLimit,
	}
}

func (a *API) App() *fiber.App {
	flowService := services.NewFlow(a.persistence, a.store, a.cache, a.logger)

	handlers := web.NewAPIHandlers(flowService, a.producer, a.queue, a.validate, a.monitor)

	app := fiber.New(fiber.Config{
		AppName:   "flowtrail",
		BodyLimit: a.bodyLimit,
	})
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowtrail API")
	})

	f := app.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)
	f.Get("/:id/details", handlers.GetFlowDetails)
	f.Get("/:id/observations/:observationId/data", handlers.GetObservationData)
	f.Post("/:id/observations/:observationId/filter", handlers.FilterObservation)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/ingestion/stats", handlers.IngestionStats)

	return app
}

// Start serves the API until ctx is cancelled, then shuts the server down.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "flowtrail API listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.InfoContext(ctx, "Shutting down flowtrail API")

		return app.Shutdown()
	}
}
