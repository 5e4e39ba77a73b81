package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/clean-air-etl/internal/etl"
	"github.com/i474232898/clean-air-etl/internal/store"
)

var validate = validator.New()

// RegisterRoutes wires the admin handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *etl.Service) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runs, err := service.History(req.Pipeline, req.From, req.To)
		if err != nil {
			return runError(err, "failed to fetch run history")
		}
		return c.JSON(fiber.Map{
			"pipeline": req.Pipeline,
			"from":     req.From,
			"to":       req.To,
			"runs":     runs,
		})
	})

	v1.Get("/runs/latest", func(c *fiber.Ctx) error {
		req := pipelineParam{Pipeline: c.Query("pipeline")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		run, err := service.Latest(req.Pipeline)
		if err != nil {
			return runError(err, "failed to fetch latest run")
		}
		return c.JSON(run)
	})

	v1.Post("/runs/:pipeline", func(c *fiber.Ctx) error {
		req := pipelineParam{Pipeline: c.Params("pipeline")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := service.Start(c.UserContext(), req.Pipeline); err != nil {
			return runError(err, "failed to start pipeline")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"pipeline": req.Pipeline,
			"status":   "started",
		})
	})
}

func runError(err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "no runs recorded for pipeline")
	case errors.Is(err, etl.ErrUnknownPipeline):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, etl.ErrAlreadyRunning):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, msg)
}

type pipelineParam struct {
	Pipeline string `validate:"required,oneof=daily weekly"`
}

// historyQuery holds query parameters for the run history endpoint. Both
// bounds are optional.
type historyQuery struct {
	Pipeline string    `validate:"required,oneof=daily weekly"`
	From     time.Time
	To       time.Time `validate:"omitempty,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	h.Pipeline = c.Query("pipeline")

	if s := c.Query("from"); s != "" {
		from, err := parseTime(s)
		if err != nil {
			return err
		}
		h.From = from
	}
	if s := c.Query("to"); s != "" {
		to, err := parseTime(s)
		if err != nil {
			return err
		}
		h.To = to
	}
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
