// Package app wires the roomserver runtime: storage, federation, state
// resolution, the partial-state resync scheduler and a gRPC health endpoint.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/driftline/driftline/internal/federation"
	"github.com/driftline/driftline/internal/room/partialstate"
	"github.com/driftline/driftline/internal/room/stateres"
	"github.com/driftline/driftline/internal/storage/sqlite"
)

// RuntimeConfig controls roomserver startup, dependencies and resync behavior.
type RuntimeConfig struct {
	Port             int
	DBPath           string
	ServerName       string
	FederationSecret string
	Instance         string
	RetryBackoff     time.Duration
	RetryMaxDelay    time.Duration
}

const (
	defaultRoomServerPort = 8093
	defaultRoomServerDB   = "data/roomserver.db"
)

// Run starts roomserver runtime dependencies and the resync scheduler.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.ServerName) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.TrimSpace(cfg.FederationSecret) == "" {
		return fmt.Errorf("federation secret is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultRoomServerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultRoomServerDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create roomserver storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open roomserver sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close roomserver sqlite store: %v", closeErr)
		}
	}()

	resolver := stateres.New(store, stateres.NewPowerLevels(store))
	fedClient := federation.NewHTTPClient(cfg.ServerName, []byte(cfg.FederationSecret))
	tracker := partialstate.New(store, store, resolver, fedClient, partialstate.Config{
		Instance:      cfg.Instance,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on roomserver port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("roomserver.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("roomserver listening at %v", listener.Addr())
	return tracker.Run(ctx)
}
