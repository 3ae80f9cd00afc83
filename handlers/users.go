package handlers

import (
	"github.com/gofiber/fiber/v2"

	"stake-arena/services"
)

type UserHandler struct {
	users *services.UserService
}

type registerRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nickname      string `json:"nickname"`
}

// SetupUserRoutes registers the wallet-to-user mapping. The gateway calls POST /users on
// first login, before any X-User-ID exists.
func SetupUserRoutes(app fiber.Router, users *services.UserService) {
	h := &UserHandler{users: users}

	app.Post("/users", h.register)
	app.Get("/users/:id", h.get)
}

func (h *UserHandler) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	u, err := h.users.EnsureUser(c.UserContext(), req.WalletAddress, req.Nickname)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(u)
}

func (h *UserHandler) get(c *fiber.Ctx) error {
	u, err := h.users.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(u)
}
