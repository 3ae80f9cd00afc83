package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake-arena/config"
	"stake-arena/database"
	"stake-arena/events"
	"stake-arena/services"
	"stake-arena/vault"
)

const (
	testToken = "gateway-secret"
	testStake = "100000000"
)

type noopTimer struct{}

func (noopTimer) Schedule(string, time.Duration, func(context.Context)) {}
func (noopTimer) Cancel(string)                                         {}

type okVault struct{}

func (okVault) ValidateDeposit(context.Context, vault.DepositCheck) (bool, error) { return true, nil }
func (okVault) Payout(_ context.Context, t vault.Transfer) (string, error)        { return "sig-" + t.Key, nil }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	db := database.OpenTest(t)
	log := zerolog.Nop()
	bus := events.NewBus(64)
	calc := vault.NewCalculator(vault.DefaultFeeBps, vault.DefaultGasBuffer)
	gw := okVault{}

	payouts := services.NewPayoutService(db, gw, calc, nil, bus, log)
	game := services.NewGameService(db, config.GameConfig{RoundTimeout: 20 * time.Second, WinsToClinch: 3}, noopTimer{}, payouts, bus, log)
	bracket := services.NewBracketService(db, config.GameConfig{}, game, payouts, log)
	game.SetBracketHandler(bracket)

	return NewApp(AppConfig{
		GatewayToken:   testToken,
		AllowedOrigins: []string{"http://localhost:3000"},
	}, Services{
		Lobbies: services.NewLobbyService(db, game, bracket, payouts, gw, calc, log),
		Game:    game,
		Bracket: bracket,
		Users:   services.NewUserService(db, bus, log),
		Bus:     bus,
	}, log)
}

// call sends an authenticated request; userID may be empty.
func call(t *testing.T, app *fiber.App, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func register(t *testing.T, app *fiber.App, wallet string) string {
	t.Helper()
	status, body := call(t, app, http.MethodPost, "/users", "", fiber.Map{"wallet_address": wallet})
	require.Equal(t, http.StatusOK, status, body)
	return body["id"].(string)
}

func createLobby(t *testing.T, app *fiber.App, creator string, seats int) map[string]any {
	t.Helper()
	status, body := call(t, app, http.MethodPost, "/create-lobby", creator, fiber.Map{
		"name":         "friday duel",
		"stake_amount": testStake,
		"max_players":  seats,
		"tx_hash":      "tx-create-" + creator,
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body
}

func TestHealthSkipsGatewayAuth(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))
}

func TestGatewayTokenRequired(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/lobbies", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/lobbies", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecuredRoutesNeedUser(t *testing.T) {
	app := newTestApp(t)

	status, body := call(t, app, http.MethodPost, "/create-lobby", "", fiber.Map{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body["code"])

	status, _ = call(t, app, http.MethodGet, "/lobbies", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestLobbyFlowOverHTTP(t *testing.T) {
	app := newTestApp(t)
	alice := register(t, app, "AliceWallet1111111111111111111111111111111")
	bob := register(t, app, "BobWallet22222222222222222222222222222222")

	lobby := createLobby(t, app, alice, 2)
	lobbyID := lobby["id"].(string)
	assert.Equal(t, testStake, lobby["stake_amount"])

	status, body := call(t, app, http.MethodPost, "/join-lobby", bob, fiber.Map{"code": strings.ToLower(lobby["code"].(string))})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, bob, body["user_id"])

	status, body = call(t, app, http.MethodPost, "/join-lobby", bob, fiber.Map{"lobby_id": lobbyID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_in_lobby", body["code"])

	status, body = call(t, app, http.MethodPost, "/close-lobby", bob, fiber.Map{"lobby_id": lobbyID})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_lobby_creator", body["code"])

	status, body = call(t, app, http.MethodPost, "/start-match", alice, fiber.Map{"lobby_id": lobbyID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "lobby_not_ready", body["code"])

	status, body = call(t, app, http.MethodPost, "/submit-stake", bob, fiber.Map{"lobby_id": lobbyID, "tx_hash": "tx-bob"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["has_staked"])

	status, body = call(t, app, http.MethodPost, "/start-match", alice, fiber.Map{"lobby_id": lobbyID})
	require.Equal(t, http.StatusOK, status, body)
	matches := body["matches"].([]any)
	require.Len(t, matches, 1)
	matchID := matches[0].(map[string]any)["id"].(string)

	status, body = call(t, app, http.MethodPost, "/submit-move", alice, fiber.Map{"match_id": matchID, "move": "rock"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = call(t, app, http.MethodGet, "/matches/"+matchID, "", nil)
	require.Equal(t, http.StatusOK, status)
	rounds := body["rounds"].([]any)
	require.Len(t, rounds, 1)
	round := rounds[0].(map[string]any)
	assert.ElementsMatch(t, []any{"submitted", nil}, []any{round["player1_move"], round["player2_move"]})

	status, body = call(t, app, http.MethodGet, "/lobbies/"+lobbyID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "lobby_not_found", body["code"])
}

func TestInvalidInputs(t *testing.T) {
	app := newTestApp(t)
	alice := register(t, app, "AliceWallet1111111111111111111111111111111")

	req := httptest.NewRequest(http.MethodPost, "/create-lobby", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", testToken)
	req.Header.Set("X-User-ID", alice)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, body := call(t, app, http.MethodPost, "/create-lobby", alice, fiber.Map{
		"name": "trio", "stake_amount": testStake, "max_players": 3, "tx_hash": "tx-1",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_capacity", body["code"])

	status, body = call(t, app, http.MethodPost, "/submit-move", alice, fiber.Map{"match_id": "m", "move": "lizard"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_move", body["code"])
}

func TestTournamentRoutes(t *testing.T) {
	app := newTestApp(t)
	alice := register(t, app, "AliceWallet1111111111111111111111111111111")
	lobby := createLobby(t, app, alice, 4)
	tournamentID := lobby["tournament_id"].(string)

	status, body := call(t, app, http.MethodGet, "/list-tournaments", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].([]any), 1)

	status, body = call(t, app, http.MethodGet, "/list-tournaments?status=completed", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])

	status, body = call(t, app, http.MethodGet, "/list-tournaments?status=paused", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["code"])

	status, body = call(t, app, http.MethodGet, "/tournament/"+tournamentID+"/bracket", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, tournamentID, body["tournament"].(map[string]any)["id"])

	status, _ = call(t, app, http.MethodGet, "/tournament/missing/bracket", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *services.Error
		want int
	}{
		{services.ErrInvalidMove, http.StatusBadRequest},
		{services.ErrMatchNotFound, http.StatusNotFound},
		{services.ErrNotLobbyCreator, http.StatusForbidden},
		{services.ErrLobbyFull, http.StatusConflict},
		{services.ErrDepositMismatch, http.StatusUnprocessableEntity},
		{services.ErrVaultUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	ch := events.NewChange(events.TableLobbies, events.OpDelete, "lobby-1", nil)
	require.NoError(t, writeEvent(&buf, ch))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: lobbies\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
	assert.Contains(t, out, `"id":"lobby-1"`)
}
