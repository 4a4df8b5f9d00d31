package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grokgate/grokgate/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "grokgate",
	Short: "OpenAI-compatible gateway for Grok",
	Long:  "OpenAI-compatible gateway that pools Grok credentials, rotates them on failure, and serves generated media.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(rootLogLevel); err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
