package main

import (
	"os"

	"github.com/spf13/cobra"
)

var gatewayURL string

// rootCmd is the entry point for the grove CLI.
var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "Command-line client for the Grove gateway",
	Long: `grove is the command-line client for the Grove gateway.

It authenticates via the OAuth device flow and gives scripted access to
the gateway's services.`,
	SilenceUsage: true,
}

func init() {
	defaultGateway := os.Getenv("GROVE_GATEWAY")
	if defaultGateway == "" {
		defaultGateway = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", defaultGateway, "Gateway base URL (defaults to $GROVE_GATEWAY)")
}
