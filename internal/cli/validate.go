package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/routing"
)

var validateCmd = &cobra.Command{
	Use:   "validate [routes.yaml]",
	Short: "Validate a routing document",
	Long: `Parse and validate a routing document without starting the server.

Every problem is reported with its path in the document. The file defaults
to routing.path from the server config.

Examples:
  hookrelay validate
  hookrelay validate ./routes.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := config.DefaultRoutingPath
	if len(args) == 1 {
		path = args[0]
	} else if cfg, err := loadConfig(); err == nil {
		path = cfg.Routing.Path
	}

	out := cmd.OutOrStdout()
	snap, err := routing.Load(routing.FileSource{Path: path})
	if err != nil {
		if ce, ok := routing.AsConfigError(err); ok {
			fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(ce.Problems))
			for _, p := range ce.Problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return fmt.Errorf("routing config is invalid")
		}
		return err
	}

	fmt.Fprintf(out, "%s: ok (%d webhooks)\n", path, len(snap.Webhooks))
	for _, wh := range snap.Webhooks {
		name := wh.Key()
		if name == "" {
			name = "-"
		}
		state := "active"
		if !wh.IsActive() {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %-24s %-32s %-8s %d destinations, %d rules\n",
			wh.ID, name, state, len(wh.AllDestinations()), len(wh.Forward))
	}
	return nil
}
