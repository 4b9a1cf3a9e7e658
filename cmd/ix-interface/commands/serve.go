package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/ix-interface/internal/auth"
	"github.com/omochice/ix-interface/internal/config"
	"github.com/omochice/ix-interface/internal/consumer"
	"github.com/omochice/ix-interface/internal/ix"
	"github.com/omochice/ix-interface/internal/relation"
	"github.com/omochice/ix-interface/internal/server"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Ix interface relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger := newLogger(cfg, cmd.OutOrStdout())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config (e.g. :8080)")
	return cmd
}

// run wires the relay from cfg and serves until ctx is done. ready, when
// not nil, receives the bound address once the listener is up.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, ready chan<- string) error {
	table, err := relation.New(cfg.Relations...)
	if err != nil {
		return err
	}
	store, err := auth.NewStaticStore(cfg.Secrets())
	if err != nil {
		return err
	}

	sessions := ix.NewRegistry()
	router := ix.NewRouter(sessions, table, cfg.WriteTimeout, logger)

	var opts []server.Option
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = consumer.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
		logger.Info().Msg("connected to Redis")
		opts = append(opts, server.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	for _, spec := range cfg.ConsumerSpecs() {
		var pub consumer.Publisher
		if rdb != nil {
			pub = rdb
		}
		c, err := consumer.New(spec, pub, logger)
		if err != nil {
			return err
		}
		router.RegisterLocalConsumer(spec.Identity, c)
		logger.Info().Str("identity", spec.Identity).Str("kind", spec.Kind).Msg("local consumer registered")
	}

	manager := ix.NewManager(cfg.Manager(), auth.NewGate(store, table), sessions, router, logger)
	srv := server.New(server.Config{Addr: cfg.Listen, AllowedOrigins: cfg.AllowedOrigins},
		manager, sessions, table, logger, opts...)

	if err := srv.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	logger.Info().
		Str("addr", srv.Addr()).
		Str("env", cfg.Env).
		Int("credentials", store.Len()).
		Int("relations", table.Len()).
		Msg("starting Ix interface")
	if ready != nil {
		ready <- srv.Addr()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return <-errCh
}
