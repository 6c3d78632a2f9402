package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatdesk/internal/config"
	"github.com/tOgg1/chatdesk/internal/db"
)

var (
	seedConversations int
	seedMessages      int
	seedRandom        int64
)

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().IntVar(&seedConversations, "conversations", 12, "number of demo conversations")
	seedCmd.Flags().IntVar(&seedMessages, "messages", 8, "messages per conversation")
	seedCmd.Flags().Int64Var(&seedRandom, "seed", 1, "random seed for campuses and statuses")
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the local store with demo conversations",
	Long: `Fill the local SQLite store with demo conversations and messages so the
console can run without a hosted database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return errors.New("configuration not loaded")
		}
		if cfg.Source.Driver != config.SourceSQLite {
			return &PreflightError{
				Message: "seed only writes to the sqlite source",
				Hint:    "Set source.driver to sqlite (the default)",
			}
		}

		ctx := cmd.Context()
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		conversations, messages, err := db.Seed(ctx, db.NewStore(database), db.SeedOptions{
			Conversations: seedConversations,
			Messages:      seedMessages,
			Seed:          seedRandom,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d conversations and %d messages into %s\n",
			conversations, messages, database.Path())
		return err
	},
}
