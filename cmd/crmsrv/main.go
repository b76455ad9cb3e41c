package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/planvia/planvia/internal/common/logtrace"
	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/dsclient"
	"github.com/planvia/planvia/internal/crmsrv/dsmanager"
	"github.com/planvia/planvia/internal/crmsrv/registry"
	"github.com/planvia/planvia/internal/crmsrv/server"
	"github.com/planvia/planvia/internal/crmsrv/tenantctx"
)

func init() {
	logtrace.InitLogger()
}

type cmdoptions struct {
	configFile string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	slog := log.With().Str("state", "init").Logger()

	// Local overrides for development. Missing file is fine.
	_ = godotenv.Load()

	opt := parseFlags()

	slog.Info().Str("config_file", opt.configFile).Msg("loading config file")
	if err := config.LoadConfig(opt.configFile); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	if config.Config().ServerPort == "" {
		return fmt.Errorf("server port not defined")
	}

	registryDB, err := openRegistryDB(ctx)
	if err != nil {
		return fmt.Errorf("opening registry database: %w", err)
	}
	defer registryDB.Close()

	access := registry.NewAccess(registry.NewPostgresStore(registryDB))
	manager := dsmanager.New(access, dsclient.NewPostgresClient, managerOptions())
	defer manager.Stop()

	resolver := tenantctx.NewResolver(manager)

	serverErrors, shutdownServer, err := createCrmServer(ctx, manager, resolver, registryDB)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		slog.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		shutdownServer()
	}

	slog.Info().Msg("server stopped")
	return nil
}

// openRegistryDB opens and pings the tenant registry database, retrying the
// ping so the service survives a database that is still coming up.
func openRegistryDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", config.Config().RegistryDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(2*time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("registry database not ready, retrying")
		}),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func managerOptions() dsmanager.Options {
	cfg := config.Config()
	ds := cfg.DataSource
	return dsmanager.Options{
		MaxClients:     ds.MaxClients,
		ConfigCacheTTL: ds.GetConfigCacheTTL(),
		ClientCacheTTL: ds.GetClientCacheTTL(),
		SweepInterval:  ds.GetSweepInterval(),
		ResolveTimeout: ds.GetResolveTimeout(),
		EvictionPolicy: dsmanager.EvictionPolicy(ds.EvictionPolicy),
		DefaultDataSource: dsclient.ConnectionConfig{
			URL:          cfg.DefaultDataSource.URL,
			AnonKey:      cfg.DefaultDataSource.AnonKey,
			ServiceKey:   cfg.DefaultDataSource.ServiceKey,
			Region:       cfg.DefaultDataSource.Region,
			Shared:       true,
			PoolMinConns: ds.PoolMinConns,
			PoolMaxConns: ds.PoolMaxConns,
		},
		PoolMinConns: ds.PoolMinConns,
		PoolMaxConns: ds.PoolMaxConns,
	}
}

func createCrmServer(ctx context.Context, manager *dsmanager.Manager, resolver *tenantctx.Resolver, registryDB *sql.DB) (chan error, func(), error) {
	slog := log.With().Str("state", "init").Logger()

	s, err := server.CreateNewServer(manager, resolver, registryDB)
	if err != nil {
		return nil, nil, err
	}
	s.MountHandlers()

	srv := &http.Server{
		Addr:              ":" + config.Config().ServerPort,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info().Str("port", config.Config().ServerPort).Msg("server started")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := func() {
		// Give outstanding requests 5 seconds to complete and initiate the shutdown.
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error().Err(err).Msg("could not stop server gracefully")
			if err := srv.Close(); err != nil {
				slog.Error().Err(err).Msg("could not stop server")
			}
		}
	}

	return serverErrors, shutdown, nil
}

func parseFlags() cmdoptions {
	configFile := flag.String("config", "crmsrv.conf", "path to the config file")
	flag.Parse()
	return cmdoptions{
		configFile: *configFile,
	}
}
