package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/rooms"
	"github.com/dono-app/dono/pkg/streambackend"
	"github.com/dono-app/dono/pkg/syncd"
)

type config struct {
	Addr       string `env:"DONO_SYNC_ADDR" envDefault:":8088"`
	DataDir    string `env:"DONO_SYNC_DATA_DIR" envDefault:"./data"`
	AuthSecret string `env:"DONO_AUTH_SECRET"`
	LogLevel   string `env:"DONO_LOG_LEVEL" envDefault:"info"`

	ActorIdleTimeout   time.Duration `env:"DONO_ACTOR_IDLE_TIMEOUT" envDefault:"15m"`
	ActorEvictInterval time.Duration `env:"DONO_ACTOR_EVICT_INTERVAL" envDefault:"1m"`

	Redis streambackend.Settings
}

func main() {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "dono-syncd",
		Short: "Synchronization backend for novel stores",
		Long: `dono-syncd hosts one sync actor per store id. Replicas connect over
websockets to push and pull events; the purge RPC destroys a store's
authoritative log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for store databases")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if cfg.AuthSecret == "" {
		return errors.New("DONO_AUTH_SECRET is required")
	}
	resolver, err := auth.NewJWTResolver([]byte(cfg.AuthSecret))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	pubsub, err := streambackend.Build(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = pubsub.Close() }()

	manager := syncd.NewActorManager(cfg.DataDir, resolver)
	manager.SetPublisher(pubsub.Publisher())
	manager.SetEvictionConfig(cfg.ActorIdleTimeout, cfg.ActorEvictInterval)
	defer func() { _ = manager.Close() }()

	hub, err := rooms.NewHub(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = hub.Close() }()

	server := syncd.NewServer(syncd.Settings{Addr: cfg.Addr, DataDir: cfg.DataDir}, manager, resolver, hub)

	g, gctx := errgroup.WithContext(ctx)
	manager.StartEvictionLoop(gctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	return g.Wait()
}
