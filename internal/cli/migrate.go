package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Create or upgrade the event database and list the migrations it has.

The server applies pending migrations on start as well; this command is
for preparing a database ahead of a deploy.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	status, err := migrations.StatusOf(cmd.Context(), db.DB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n\n", cfg.Database.Path)
	for _, st := range status {
		applied := "pending"
		if st.Applied {
			applied = "applied"
			if !st.AppliedAt.IsZero() {
				applied += " " + st.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(out, "  %-32s %s\n", st.ID, applied)
	}
	return nil
}
