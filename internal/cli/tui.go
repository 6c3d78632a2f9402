package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tOgg1/chatdesk/internal/config"
	"github.com/tOgg1/chatdesk/internal/consoletui"
)

var tuiNoRestore bool

func init() {
	rootCmd.AddCommand(tuiCmd)

	tuiCmd.Flags().BoolVar(&tuiNoRestore, "no-restore", false, "neither restore nor save the last conversation and filter")
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the terminal console",
	Long: `Launch the terminal console on the same synchronization core as the web
console. The last opened conversation and list filter are restored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTUI(cmd.Context())
	},
}

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func runTUI(ctx context.Context) error {
	if IsNonInteractive() || !hasTTY() {
		return &PreflightError{
			Message:  "the terminal console requires an interactive terminal",
			Hint:     "Run without --non-interactive and with a TTY, or use the web console",
			NextStep: "chatdesk serve",
		}
	}
	cfg := GetConfig()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

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

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(console.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(router.Run(ctx))
	})

	var store *config.ContextStore
	if !tuiNoRestore {
		store = config.NewContextStore(cfg.Console.ContextFile)
	}
	tuiErr := consoletui.Run(ctx, console, consoletui.Config{Context: store})
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return tuiErr
}
