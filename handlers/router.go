package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"stake-arena/events"
	"stake-arena/middleware"
	"stake-arena/services"
)

// Services is everything the HTTP surface talks to.
type Services struct {
	Lobbies *services.LobbyService
	Game    *services.GameService
	Bracket *services.BracketService
	Users   *services.UserService
	Bus     *events.Bus
}

type AppConfig struct {
	GatewayToken   string
	AllowedOrigins []string
}

// NewApp builds the fiber app. Every route except /health requires the gateway token.
func NewApp(cfg AppConfig, svc Services, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "stake-arena",
		BodyLimit:             1 << 20,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message, "code": "http_error"})
			}
			return writeError(c, err)
		},
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, Cache-Control",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	app.Use(middleware.RequestID(log))
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupUserRoutes(app, svc.Users)
	SetupLobbyRoutes(app, svc.Lobbies)
	SetupGameRoutes(app, svc.Game)
	SetupTournamentRoutes(app, svc.Bracket)
	SetupStreamRoutes(app, svc.Bus, log)
	return app
}
