// Package roomserver parses roomserver command flags and launches the
// roomserver runtime.
package roomserver

import (
	"context"
	"flag"
	"time"

	"github.com/driftline/driftline/internal/app"
	entrypoint "github.com/driftline/driftline/internal/platform/cmd"
)

// Config holds roomserver command configuration.
type Config struct {
	Port             int           `env:"DRIFTLINE_ROOMSERVER_PORT" envDefault:"8093"`
	DBPath           string        `env:"DRIFTLINE_ROOMSERVER_DB_PATH" envDefault:"data/roomserver.db"`
	ServerName       string        `env:"DRIFTLINE_SERVER_NAME"`
	FederationSecret string        `env:"DRIFTLINE_FEDERATION_SECRET"`
	Instance         string        `env:"DRIFTLINE_ROOMSERVER_INSTANCE" envDefault:"roomserver-1"`
	RetryBackoff     time.Duration `env:"DRIFTLINE_ROOMSERVER_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay    time.Duration `env:"DRIFTLINE_ROOMSERVER_RETRY_MAX_DELAY" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The roomserver health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The roomserver SQLite database path")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "This server's federation name")
	fs.StringVar(&cfg.FederationSecret, "federation-secret", cfg.FederationSecret, "Shared secret signing federation requests")
	fs.StringVar(&cfg.Instance, "instance", cfg.Instance, "Writer instance name on the replication stream")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base resync retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum resync retry delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the roomserver runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRoomServer, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			ServerName:       cfg.ServerName,
			FederationSecret: cfg.FederationSecret,
			Instance:         cfg.Instance,
			RetryBackoff:     cfg.RetryBackoff,
			RetryMaxDelay:    cfg.RetryMaxDelay,
		})
	})
}
