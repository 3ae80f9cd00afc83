package handlers

import (
	"github.com/gofiber/fiber/v2"

	"stake-arena/middleware"
	"stake-arena/services"
)

type LobbyHandler struct {
	lobbies *services.LobbyService
}

type lobbyRef struct {
	LobbyID string `json:"lobby_id"`
}

type kickRequest struct {
	LobbyID string `json:"lobby_id"`
	UserID  string `json:"user_id"`
}

type tournamentRef struct {
	TournamentID string `json:"tournament_id"`
}

func SetupLobbyRoutes(app fiber.Router, lobbies *services.LobbyService) {
	h := &LobbyHandler{lobbies: lobbies}
	auth := middleware.UserContextMiddleware()

	app.Get("/lobbies", h.listLobbies)
	app.Get("/lobbies/:id", h.getLobby)

	app.Post("/create-lobby", auth, h.createLobby)
	app.Post("/join-lobby", auth, h.joinLobby)
	app.Post("/submit-stake", auth, h.submitStake)
	app.Post("/leave-lobby", auth, h.leaveLobby)
	app.Post("/withdraw-lobby", auth, h.withdraw)
	app.Post("/kick-player", auth, h.kickPlayer)
	app.Post("/close-lobby", auth, h.closeLobby)
	app.Post("/start-match", auth, h.startMatch)
	app.Post("/join-tournament", auth, h.joinTournament)
	app.Post("/start-tournament", auth, h.startTournament)
}

func (h *LobbyHandler) listLobbies(c *fiber.Ctx) error {
	lobbies, err := h.lobbies.ListOpenLobbies(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"data": lobbies})
}

func (h *LobbyHandler) getLobby(c *fiber.Ctx) error {
	lobby, err := h.lobbies.GetLobby(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(lobby)
}

func (h *LobbyHandler) createLobby(c *fiber.Ctx) error {
	var in services.CreateLobbyInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	in.CreatorID = middleware.UserID(c)

	lobby, err := h.lobbies.CreateLobby(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(lobby)
}

func (h *LobbyHandler) joinLobby(c *fiber.Ctx) error {
	var in services.JoinInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	in.UserID = middleware.UserID(c)

	p, err := h.lobbies.JoinLobby(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *LobbyHandler) submitStake(c *fiber.Ctx) error {
	var in services.StakeInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	in.UserID = middleware.UserID(c)

	p, err := h.lobbies.SubmitStake(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(p)
}

func (h *LobbyHandler) leaveLobby(c *fiber.Ctx) error {
	var req lobbyRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	if err := h.lobbies.LeaveLobby(c.UserContext(), req.LobbyID, middleware.UserID(c)); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"message": "left lobby"})
}

func (h *LobbyHandler) withdraw(c *fiber.Ctx) error {
	var req lobbyRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	payout, err := h.lobbies.WithdrawStake(c.UserContext(), req.LobbyID, middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(payout)
}

func (h *LobbyHandler) kickPlayer(c *fiber.Ctx) error {
	var req kickRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	if err := h.lobbies.KickPlayer(c.UserContext(), req.LobbyID, middleware.UserID(c), req.UserID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"message": "player removed"})
}

// closeLobby answers 207 when some refunds failed; the lobby stays closed and they are retried.
func (h *LobbyHandler) closeLobby(c *fiber.Ctx) error {
	var req lobbyRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	res, err := h.lobbies.CloseLobby(c.UserContext(), req.LobbyID, middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	if len(res.Failed) > 0 {
		return c.Status(fiber.StatusMultiStatus).JSON(res)
	}
	return c.JSON(res)
}

func (h *LobbyHandler) startMatch(c *fiber.Ctx) error {
	var req lobbyRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	res, err := h.lobbies.StartMatch(c.UserContext(), req.LobbyID, middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

func (h *LobbyHandler) joinTournament(c *fiber.Ctx) error {
	var req tournamentRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	p, err := h.lobbies.JoinTournament(c.UserContext(), req.TournamentID, middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *LobbyHandler) startTournament(c *fiber.Ctx) error {
	var req tournamentRef
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	res, err := h.lobbies.StartTournament(c.UserContext(), req.TournamentID, middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}
