package handlers

import (
	"github.com/gofiber/fiber/v2"

	"stake-arena/middleware"
	"stake-arena/services"
)

type GameHandler struct {
	game *services.GameService
}

func SetupGameRoutes(app fiber.Router, game *services.GameService) {
	h := &GameHandler{game: game}

	app.Get("/matches/:id", h.getMatch)
	app.Post("/submit-move", middleware.UserContextMiddleware(), h.submitMove)
}

// getMatch never reveals moves of the round still being played.
func (h *GameHandler) getMatch(c *fiber.Ctx) error {
	match, err := h.game.GetMatch(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(match)
}

func (h *GameHandler) submitMove(c *fiber.Ctx) error {
	var in services.MoveInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	in.UserID = middleware.UserID(c)

	round, err := h.game.SubmitMove(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(round)
}
