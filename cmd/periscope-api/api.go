// Package main provides the Periscope API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/periscope-dev/engine/pkg/dispatcher"
	"github.com/periscope-dev/engine/pkg/engine"
	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/periscope-dev/engine/pkg/eventbus"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/registry"
	"github.com/periscope-dev/engine/pkg/services"
	"github.com/periscope-dev/engine/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	leases      lease.Manager
	validate    *validator.Validate
	nodeID      string

	dispatcher *dispatcher.Dispatcher
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	leases lease.Manager,
	nodeID string,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		leases:      leases,
		nodeID:      nodeID,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App(ctx context.Context) *fiber.App {
	disp := dispatcher.NewDispatcher(a.logger, a.registry, nil, dispatcher.Config{})
	eng := engine.NewEngine(a.logger, a.persistence, disp, a.leases, a.registry, a.eventBus, a.nodeID)

	// The dispatcher reports attempt outcomes straight back into the engine.
	disp.SetReporter(eng)
	disp.Start(ctx)
	a.dispatcher = disp

	definitionService := services.NewDefinition(a.persistence, a.registry)
	executionService := services.NewExecution(a.persistence, eng)
	taskService := services.NewTask(a.persistence, eng)

	handlers := web.NewAPIHandlers(definitionService, executionService, taskService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Periscope API")
	})

	d := app.Group("/definitions")
	d.Get("/", handlers.GetDefinitions)
	d.Post("/", handlers.DeployDefinition)
	d.Get("/:id", handlers.GetDefinition)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/history", handlers.GetExecutionHistory)
	e.Post("/:id/signals/:name", handlers.SignalExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	t := app.Group("/tasks")
	t.Get("/", handlers.GetTasks)
	t.Get("/:id", handlers.GetTask)
	t.Post("/:id/complete", handlers.CompleteTask)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	app := a.App(ctx)

	return app.Listen(":" + strconv.Itoa(port))
}
