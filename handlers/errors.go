package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"stake-arena/services"
)

// writeError maps a service error to its HTTP status. Untyped errors never leak their text.
func writeError(c *fiber.Ctx, err error) error {
	se, ok := services.AsError(err)
	if !ok {
		zerolog.Ctx(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
			"code":  "internal",
		})
	}
	return c.Status(statusFor(se)).JSON(fiber.Map{
		"error": se.Msg,
		"code":  se.Code,
	})
}

func statusFor(e *services.Error) int {
	switch e.Kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindPrecondition:
		switch {
		case strings.HasSuffix(e.Code, "_not_found"):
			return fiber.StatusNotFound
		case e.Code == services.ErrNotLobbyCreator.Code:
			return fiber.StatusForbidden
		}
		return fiber.StatusConflict
	case services.KindIntegrity:
		return fiber.StatusUnprocessableEntity
	case services.KindExternal:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func badBody(c *fiber.Ctx) error {
	return writeError(c, services.ErrInvalidInput.Withf("invalid request body"))
}
