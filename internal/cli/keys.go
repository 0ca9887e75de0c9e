package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/hookrelay/internal/auth"
	"github.com/watzon/hookrelay/internal/config"
)

var (
	hashKeyStdin bool

	tokenRole   string
	tokenExpiry string
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Generate or hash a webhook API key",
	Long: `Print a bcrypt hash for use in a webhook's apiKeys list.

Without an argument a new random key is generated and printed once along
with its hash. Store the key securely as it cannot be recovered.

Examples:
  hookrelay hash-key
  hookrelay hash-key hr_existing_key
  echo -n "$KEY" | hookrelay hash-key --stdin`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashKey,
}

var tokenCmd = &cobra.Command{
	Use:   "token <webhook-id>",
	Short: "Issue a bearer token",
	Long: `Issue a bearer token signed with auth.jwt.secret.

Client tokens are scoped to one webhook and let a developer open a tunnel
to it. Admin tokens unlock the admin API and every webhook; pass "-" as the
webhook id.

Examples:
  hookrelay token wh_payments --expires 30d
  hookrelay token - --role admin --expires 1y`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyStdin, "stdin", false, "Read the key from stdin")

	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleClient, "Token role (client, admin)")
	tokenCmd.Flags().StringVar(&tokenExpiry, "expires", "30d", "Token lifetime (e.g., 12h, 30d, 1y; 0 for none)")

	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	cost := config.DefaultBcryptCost
	if cfg, err := loadConfig(); err == nil {
		cost = cfg.Auth.BcryptCost
	}

	var key string
	generated := false
	switch {
	case hashKeyStdin:
		k, err := readKey(cmd.InOrStdin())
		if err != nil {
			return err
		}
		key = k
	case len(args) == 1:
		key = args[0]
	default:
		k, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		key = k
		generated = true
	}

	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := auth.HashKey(key, cost)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	out := cmd.OutOrStdout()
	if generated {
		fmt.Fprintf(out, "Key:  %s\n", key)
		fmt.Fprintf(out, "Hash: %s\n", hash)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Send the key as x-unhook-api-key and add the hash to the webhook's apiKeys.")
		return nil
	}
	fmt.Fprintln(out, hash)
	return nil
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tokens := auth.NewJWTService(cfg.Auth.JWT)
	if !tokens.Enabled() {
		return fmt.Errorf("auth.jwt.secret is not set")
	}

	subject := args[0]
	switch tokenRole {
	case auth.RoleAdmin:
		if subject == "-" {
			subject = ""
		}
	case auth.RoleClient:
		if subject == "-" || subject == "" {
			return fmt.Errorf("client tokens need a webhook id")
		}
	default:
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	var ttl time.Duration
	if tokenExpiry != "0" {
		ttl, err = parseDuration(tokenExpiry)
		if err != nil {
			return fmt.Errorf("invalid expiry: %w", err)
		}
	}

	token, err := tokens.GenerateToken(subject, tokenRole, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// parseDuration accepts Go durations plus d, w, m (30 days) and y suffixes.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(s, "ms"):
		return time.ParseDuration(s)
	case strings.HasSuffix(s, "d"):
		numStr = strings.TrimSuffix(s, "d")
		multiplier = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		numStr = strings.TrimSuffix(s, "w")
		multiplier = 7 * 24 * time.Hour
	case strings.HasSuffix(s, "m"):
		numStr = strings.TrimSuffix(s, "m")
		multiplier = 30 * 24 * time.Hour
	case strings.HasSuffix(s, "y"):
		numStr = strings.TrimSuffix(s, "y")
		multiplier = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid number: %s", numStr)
	}

	return time.Duration(num) * multiplier, nil
}
