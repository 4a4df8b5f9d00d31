package cmd

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/logutil"
	"github.com/grokgate/grokgate/pkg/tokenstore"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server configuration",
	}
	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Server config TOML path")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config at %s, listening on %s\n", configPath, cfg.ListenAddr)
			return nil
		},
	}

	passwordCmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set the admin password",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), "New admin password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if len(raw) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			hash, err := bcrypt.GenerateFromPassword(raw, bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			cfg.AdminPasswordHash = string(hash)
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin password updated for user %q\n", cfg.AdminUser)
			return nil
		},
	}

	var addTokenTier string
	addTokenCmd := &cobra.Command{
		Use:   "add-token <secret>",
		Short: "Add a Grok credential to the token pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(configPath)
			if err != nil {
				return err
			}
			backend, err := tokenstore.OpenBackend(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open token storage: %w", err)
			}
			store, err := tokenstore.NewStore(backend, func() tokenstore.Policy {
				return tokenstore.Policy{}
			})
			if err != nil {
				return fmt.Errorf("init token store: %w", err)
			}
			defer store.Close()

			tier := tokenstore.Tier(strings.ToLower(addTokenTier))
			tok, err := store.Add(args[0], tier, nil, "added via cli")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s, secret %s)\n", tok.ID, tok.Tier, logutil.Redact(args[0]))
			return nil
		},
	}
	addTokenCmd.Flags().StringVar(&addTokenTier, "tier", "basic", "Credential tier (basic or super)")

	configCmd.AddCommand(initCmd, passwordCmd, addTokenCmd)
	rootCmd.AddCommand(configCmd)
}
