package utils

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/payalb/course-management/pkg/apperrors"
)

// ErrorResponse renders err with the status apperrors.HTTPStatus assigns to it.
// Internal errors are not echoed to the client.
func ErrorResponse(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)

	var validationErr *apperrors.ValidationError
	if errors.As(err, &validationErr) {
		return c.Status(status).JSON(fiber.Map{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
	}

	if status == fiber.StatusInternalServerError {
		return c.Status(status).JSON(fiber.Map{
			"error": "internal error",
		})
	}

	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
