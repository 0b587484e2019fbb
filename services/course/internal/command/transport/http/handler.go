package http

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/payalb/course-management/pkg/apperrors"
	"github.com/payalb/course-management/pkg/mylogger"
	outboxDomain "github.com/payalb/course-management/pkg/outbox/domain"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/payalb/course-management/services/course/internal/command/domain"
	"github.com/payalb/course-management/services/course/internal/command/service"
	"go.uber.org/zap"
)

// OutboxAdmin exposes ledger records that need manual attention.
type OutboxAdmin interface {
	Exhausted(ctx context.Context, limit int) ([]*outboxDomain.OutboxRecord, error)
	Replay(ctx context.Context, id int64) error
}

type CourseHandler struct {
	service service.CourseService
	outbox  OutboxAdmin
	timeout time.Duration
	logger  *zap.Logger
}

func NewCourseHandler(svc service.CourseService, outbox OutboxAdmin, timeout time.Duration, logger *zap.Logger) *CourseHandler {
	return &CourseHandler{
		service: svc,
		outbox:  outbox,
		timeout: timeout,
		logger:  logger,
	}
}

func RegisterRoutes(app *fiber.App, h *CourseHandler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("Course command service is alive!")
	})

	courses := app.Group("/courses")
	courses.Post("", h.Create)
	courses.Get("/:id", h.FindByID)
	courses.Put("/:id", h.Update)
	courses.Delete("/:id", h.Archive)
	courses.Post("/:id/restore", h.Restore)

	outbox := app.Group("/outbox")
	outbox.Get("/exhausted", h.Exhausted)
	outbox.Post("/:id/replay", h.Replay)
}

func (h *CourseHandler) Create(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	input := new(domain.CreateCourseInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "Failed to parse body in create", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	id, err := h.service.Create(ctx, input)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id": id,
	})
}

func (h *CourseHandler) FindByID(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := pathID(c)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	course, err := h.service.GetByID(ctx, id)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(course)
}

func (h *CourseHandler) Update(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := pathID(c)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	input := new(domain.UpdateCourseInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "Failed to parse body in update", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.service.Update(ctx, id, input); err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CourseHandler) Archive(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := pathID(c)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	if err := h.service.Archive(ctx, id); err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CourseHandler) Restore(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := pathID(c)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	if err := h.service.Restore(ctx, id); err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CourseHandler) Exhausted(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	records, err := h.outbox.Exhausted(ctx, c.QueryInt("limit", 100))
	if err != nil {
		mylogger.Error(ctx, h.logger, "Failed to list exhausted outbox records", zap.Error(err))
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"records": records,
		"count":   len(records),
	})
}

func (h *CourseHandler) Replay(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := pathID(c)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	if err := h.outbox.Replay(ctx, id); err != nil {
		mylogger.Warn(ctx, h.logger, "Outbox replay failed", zap.Int64("outbox_id", id), zap.Error(err))
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"id":     id,
		"status": outboxDomain.StatusPublished,
	})
}

func pathID(c *fiber.Ctx) (int64, error) {
	raw := c.Params("id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError(map[string]string{"id": "id must be a positive integer"})
	}

	return id, nil
}
