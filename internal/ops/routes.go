// Package ops serves health, metrics and manual pipeline triggers.
package ops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Runner runs one pipeline; *pipeline.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, src pipeline.Source, params pipeline.Params) (*pipeline.RunSummary, error)
}

// Handler owns the pipeline trigger state.
type Handler struct {
	logger   *zap.Logger
	runner   Runner
	registry *pipeline.Registry
	baseCtx  context.Context

	mu      sync.Mutex
	running map[string]bool
	last    map[string]*pipeline.RunSummary
	wg      sync.WaitGroup
}

// NewHandler builds the trigger handler. Background runs derive from baseCtx.
func NewHandler(baseCtx context.Context, logger *zap.Logger, runner Runner, registry *pipeline.Registry) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:   logger,
		runner:   runner,
		registry: registry,
		baseCtx:  baseCtx,
		running:  map[string]bool{},
		last:     map[string]*pipeline.RunSummary{},
	}
}

func RegisterRoutes(app *fiber.App, h *Handler, checks map[string]Check) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", healthHandler(checks))

	etl := app.Group("/etl")
	etl.Get("/sources", h.Sources)
	etl.Post("/pipeline/:source", h.RunPipeline)
	etl.Get("/pipeline/:source/last", h.LastRun)
}

func healthHandler(checks map[string]Check) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := fiber.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
	}
}

func (h *Handler) Sources(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sources": h.registry.Names()})
}

// RunPipeline starts a run with the params in the optional JSON body.
// With ?async=false the request waits for the summary.
func (h *Handler) RunPipeline(c *fiber.Ctx) error {
	src, err := h.registry.Get(c.Params("source"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	params := req.Params()

	name := src.Name()
	if !h.begin(name) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "pipeline already running", "source": name})
	}

	if !c.QueryBool("async", true) {
		defer h.end(name, nil)
		sum, err := h.runner.Run(c.Context(), src, params)
		h.remember(name, sum)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error(), "summary": sum})
		}
		return c.JSON(sum)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sum, err := h.runner.Run(context.WithoutCancel(h.baseCtx), src, params)
		h.end(name, sum)
		if err != nil {
			h.logger.Warn("ops.pipeline_run_failed", zap.String("source", name), zap.Error(err))
		}
	}()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "pending", "source": name})
}

func (h *Handler) LastRun(c *fiber.Ctx) error {
	src, err := h.registry.Get(c.Params("source"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	h.mu.Lock()
	sum, running := h.last[src.Name()], h.running[src.Name()]
	h.mu.Unlock()
	if sum == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no completed run", "running": running})
	}
	return c.JSON(fiber.Map{"running": running, "summary": sum})
}

// Wait blocks until background runs finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("background pipeline runs still in progress")
	}
}

func (h *Handler) begin(source string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running[source] {
		return false
	}
	h.running[source] = true
	return true
}

func (h *Handler) end(source string, sum *pipeline.RunSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, source)
	if sum != nil {
		h.last[source] = sum
	}
}

func (h *Handler) remember(source string, sum *pipeline.RunSummary) {
	if sum == nil {
		return
	}
	h.mu.Lock()
	h.last[source] = sum
	h.mu.Unlock()
}
