package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/server"
)

var (
	serveAddr       string
	serveStaticDir  string
	serveHealthAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveStaticDir, "static-dir", "", "web bundle directory (overrides server.static_dir)")
	serveCmd.Flags().StringVar(&serveHealthAddr, "health-addr", "", "gRPC health listen address (overrides server.health_addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console core behind the web API",
	Long: `Run the synchronization core with its feed router, the JSON and websocket
API used by the web console, the built web bundle and, when configured, a
gRPC health endpoint that reports SERVING while the feed is live.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return errors.New("configuration not loaded")
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if cmd.Flags().Changed("static-dir") {
			cfg.Server.StaticDir = serveStaticDir
		}
		if serveHealthAddr != "" {
			cfg.Server.HealthAddr = serveHealthAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg := GetConfig()
	logger := logging.Component("serve")

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	console, err := newConsole(cfg, b)
	if err != nil {
		return err
	}
	router := newRouter(cfg, b, console)
	srv := server.New(console, server.Options{Addr: cfg.Server.Addr, StaticDir: cfg.Server.StaticDir})

	var health *server.Health
	if cfg.Server.HealthAddr != "" {
		health = server.NewHealth()
		if err := health.Watch(console); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(console.Run(ctx))
	})
	g.Go(func() error {
		if err := console.Load(ctx, console.Filter()); err != nil {
			logger.Warn().Err(err).Msg("initial conversation load failed")
		}
		return ignoreCanceled(router.Run(ctx))
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if health != nil {
		g.Go(func() error {
			return health.ListenAndServe(ctx, cfg.Server.HealthAddr)
		})
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("source", cfg.Source.Driver).
		Str("feed", cfg.Feed.Driver).
		Msg("console serving")

	return g.Wait()
}
