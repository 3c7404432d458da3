package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pushpay-service/internal/config"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "pushpay",
		Short:        "Payment network integration: webhooks, payment lifecycle and reconciliation",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", config.GetString("PUSHPAY_CONFIG_PATH", "."),
		"Directory containing config.yaml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(mockNetworkCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
