package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/urfave/cli/v2"

	httpapi "github.com/i474232898/clean-air-etl/internal/api/http"
	"github.com/i474232898/clean-air-etl/internal/etl"
	"github.com/i474232898/clean-air-etl/internal/scheduler"
)

// runPipelineAction runs one pipeline to completion. A failed stage makes
// the process exit non-zero so that an external scheduler sees it.
func runPipelineAction(name string) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := build(ctx, c.String("config"))
		if err != nil {
			return err
		}
		defer d.Close()

		rep, err := d.service.Run(ctx, name)
		if err != nil {
			return err
		}
		d.logger.Info("run finished", "pipeline", name, "run_id", rep.RunID, "state", rep.State)
		return nil
	}
}

func migrateAction(c *cli.Context) error {
	d, err := build(c.Context, c.String("config"))
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.stages.Migrate(c.Context); err != nil {
		return err
	}
	d.logger.Info("warehouse tables ready", "tables", len(etl.Tables()))
	return nil
}

func serveAction(c *cli.Context) error {
	d, err := build(c.Context, c.String("config"))
	if err != nil {
		return err
	}
	defer d.Close()

	// Scheduler that runs both pipelines on their cron expressions.
	sched := scheduler.New(d.service, map[string]string{
		etl.Daily:  d.cfg.Schedule.Daily,
		etl.Weekly: d.cfg.Schedule.Weekly,
	}, 0, d.logger)
	if err := sched.Start(); err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "clean-air-etl",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "clean-air-etl",
		})
	})

	httpapi.RegisterRoutes(app, d.service)

	go func() {
		if err := app.Listen(":" + d.cfg.Port); err != nil {
			d.logger.Error("fiber server stopped", "error", err)
		}
	}()
	d.logger.Info("admin API listening", "port", d.cfg.Port)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		d.logger.Error("error during shutdown", "error", err)
	}
	sched.Stop()
	d.service.Wait()
	return nil
}
