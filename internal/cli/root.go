package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/hookrelay/internal/config"
)

// Set at build time with -ldflags "-X github.com/watzon/hookrelay/internal/cli.version=...".
var version = "0.1.0-dev"

var (
	cfgFile string
	envFile string
	verbose bool

	logOutput io.Closer
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "Webhook relay with retries and live development tunnels",
	Long: `hookrelay accepts webhooks from third-party providers, stores them as
events and delivers them to HTTP destinations or to developers connected
over a websocket tunnel.

Start the relay:
  hookrelay serve

Check a routing document:
  hookrelay validate routes.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(); err != nil {
			return err
		}
		setupLogging(config.Default().Logging)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./hookrelay.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default .env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(versionCmd)
}

// loadEnvFile loads --env-file, or ./.env when it exists. Variables already
// set in the environment win.
func loadEnvFile() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// loadConfig reads hookrelay.yaml (or --config) and the HOOKRELAY_*
// environment, then reconfigures logging from it.
func loadConfig() (*config.Config, error) {
	path, err := config.ConfigFilePath(cfgFile)
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		return nil, err
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: path})
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)

	if path == "" {
		log.Debug().Msg("No config file found, using defaults and environment")
	} else {
		log.Debug().Str("path", path).Msg("Loaded config file")
	}
	return cfg, nil
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Output).Msg("Cannot open log file, logging to stderr")
		} else {
			if logOutput != nil {
				_ = logOutput.Close()
			}
			logOutput = f
			out = f
		}
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.Output != ""}
	}

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version())
	},
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("hookrelay version %s", version)
}
