package utils

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// RespondWithError sends a JSON error response.
func RespondWithError(c *fiber.Ctx, statusCode int, message string) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"status":  "error",
		"message": message,
	})
}

// RespondWithJSON sends a JSON success response.
func RespondWithJSON(c *fiber.Ctx, statusCode int, data interface{}) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"status": "success",
		"data":   data,
	})
}

// RespondWithValidationErrors sends a 400 carrying the formatted
// validator/v10 failures.
func RespondWithValidationErrors(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"status":  "error",
		"message": "Validation failed",
		"errors":  FormatValidationErrors(err),
	})
}

// FormatValidationErrors formats validation errors from validator/v10.
func FormatValidationErrors(err error) []string {
	var messages []string
	if err == nil {
		return messages
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	for _, fieldErr := range validationErrors {
		element := fmt.Sprintf("Field '%s' failed on the '%s' tag", fieldErr.Field(), fieldErr.Tag())
		if fieldErr.Param() != "" {
			element = fmt.Sprintf("%s (value: %s)", element, fieldErr.Param())
		}
		messages = append(messages, element)
	}
	return messages
}
