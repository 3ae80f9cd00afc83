package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	Env            string   `env:"APP_ENV" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
	GatewayToken   string   `env:"GAME_SERVICE_TOKEN,required,notEmpty"`

	Database    DatabaseConfig    `envPrefix:"DB_"`
	Game        GameConfig        `envPrefix:"GAME_"`
	Vault       VaultConfig       `envPrefix:"VAULT_"`
	Redis       RedisConfig       `envPrefix:"REDIS_"`
	AMQP        AMQPConfig        `envPrefix:"AMQP_"`
	Receipts    ReceiptsConfig    `envPrefix:"R2_"`
	Maintenance MaintenanceConfig `envPrefix:"MAINTENANCE_"`
}

type DatabaseConfig struct {
	Driver       string `env:"DRIVER" envDefault:"postgres"` // postgres | sqlite
	DSN          string `env:"URL" envDefault:"file:stake-arena.db?_busy_timeout=5000"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"5"`
	LogQueries   bool   `env:"LOG_QUERIES" envDefault:"false"`
}

type GameConfig struct {
	RoundTimeout       time.Duration `env:"ROUND_TIMEOUT" envDefault:"20s"`
	RoundRevealDelay   time.Duration `env:"ROUND_REVEAL_DELAY" envDefault:"3s"`
	ResultsDelay       time.Duration `env:"RESULTS_DELAY" envDefault:"10s"`
	WinsToClinch       int           `env:"WINS_TO_CLINCH" envDefault:"3"`
	ResolveOnBothMoves bool          `env:"RESOLVE_ON_BOTH_MOVES" envDefault:"true"`
}

type VaultConfig struct {
	BaseURL        string        `env:"URL" envDefault:"http://localhost:5300"`
	Token          string        `env:"TOKEN"`
	CustodyAddress string        `env:"CUSTODY_ADDRESS"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"30s"`
	FeeBps         int64         `env:"FEE_BPS" envDefault:"50"`
	GasBuffer      int64         `env:"GAS_BUFFER_LAMPORTS" envDefault:"500000"`
}

type RedisConfig struct {
	URL           string `env:"URL"`
	ChannelPrefix string `env:"CHANNEL_PREFIX" envDefault:"stake-arena"`
}

type AMQPConfig struct {
	URL   string `env:"URL"`
	Queue string `env:"RESULTS_QUEUE" envDefault:"match_results"`
}

type ReceiptsConfig struct {
	AccountID       string `env:"ACCOUNT_ID"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	AccessKeySecret string `env:"ACCESS_KEY_SECRET"`
	Bucket          string `env:"BUCKET_NAME"`
}

func (r ReceiptsConfig) Enabled() bool {
	return r.Bucket != "" && r.AccessKeyID != ""
}

type MaintenanceConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Game.WinsToClinch < 1 {
		return fmt.Errorf("GAME_WINS_TO_CLINCH must be positive")
	}
	if c.Vault.FeeBps < 0 || c.Vault.FeeBps >= 10000 {
		return fmt.Errorf("VAULT_FEE_BPS out of range: %d", c.Vault.FeeBps)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
