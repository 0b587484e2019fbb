package http

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/payalb/course-management/pkg/apperrors"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/payalb/course-management/services/course/internal/query/domain"
	"github.com/payalb/course-management/services/course/internal/query/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type QueryHandler struct {
	service service.CourseQueryService
	timeout time.Duration
	logger  *zap.Logger
}

func NewQueryHandler(svc service.CourseQueryService, timeout time.Duration, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		service: svc,
		timeout: timeout,
		logger:  logger,
	}
}

func RegisterRoutes(app *fiber.App, h *QueryHandler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("Course query service is alive!")
	})

	courses := app.Group("/courses")
	courses.Get("", h.List)
	courses.Get("/search", h.Search)
	courses.Get("/:id", h.FindByID)
}

func (h *QueryHandler) FindByID(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, apperrors.NewValidationError(map[string]string{
			"id": "id must be a positive integer",
		}))
	}

	view, err := h.service.GetByID(ctx, id)
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(view)
}

func (h *QueryHandler) List(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	page, err := h.service.List(ctx, domain.ListQuery{
		Page:            c.QueryInt("page", 0),
		Size:            c.QueryInt("size", domain.DefaultPageSize),
		IncludeArchived: c.QueryBool("includeArchived", false),
	})
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(page)
}

func (h *QueryHandler) Search(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	fields := make(map[string]string)
	minPrice := priceParam(c, "minPrice", fields)
	maxPrice := priceParam(c, "maxPrice", fields)
	if len(fields) > 0 {
		return utils.ErrorResponse(c, apperrors.NewValidationError(fields))
	}

	page, err := h.service.Search(ctx, domain.SearchQuery{
		Keyword:         c.Query("keyword"),
		MinPrice:        minPrice,
		MaxPrice:        maxPrice,
		Page:            c.QueryInt("page", 0),
		Size:            c.QueryInt("size", domain.DefaultPageSize),
		IncludeArchived: c.QueryBool("includeArchived", false),
	})
	if err != nil {
		return utils.ErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(page)
}

func priceParam(c *fiber.Ctx, name string, fields map[string]string) *decimal.Decimal {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		fields[name] = name + " must be a number"
		return nil
	}

	return &d
}
