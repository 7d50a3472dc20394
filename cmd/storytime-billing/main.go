package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/storytimehq/storytime-billing/internal/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "storytime-billing",
	Short:   "StoryTime billing - subscription entitlement service",
	Long:    `StoryTime billing keeps per-user subscription entitlements in sync with Stripe and serves the checkout, entitlement, and usage APIs.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := billing.Run(context.Background(), Version); err != nil {
			log.Error().Err(err).Msg("Billing service failed")
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storytime-billing %s\n", Version)
		fmt.Printf("  build time: %s\n", BuildTime)
		fmt.Printf("  git commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
