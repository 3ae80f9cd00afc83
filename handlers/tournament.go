package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"stake-arena/models"
	"stake-arena/services"
)

type TournamentHandler struct {
	bracket *services.BracketService
}

func SetupTournamentRoutes(app fiber.Router, bracket *services.BracketService) {
	h := &TournamentHandler{bracket: bracket}

	app.Get("/list-tournaments", h.list)
	app.Get("/tournament/:tournament_id/bracket", h.getBracket)
}

// list accepts ?status=waiting,in_progress; unknown statuses are rejected.
func (h *TournamentHandler) list(c *fiber.Ctx) error {
	var statuses []models.TournamentStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.TournamentStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return writeError(c, services.ErrInvalidInput.Withf("unknown tournament status %q", s))
			}
			statuses = append(statuses, st)
		}
	}

	tournaments, err := h.bracket.ListTournaments(c.UserContext(), statuses...)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"data": tournaments})
}

func (h *TournamentHandler) getBracket(c *fiber.Ctx) error {
	b, err := h.bracket.GetBracket(c.UserContext(), c.Params("tournament_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(b)
}
