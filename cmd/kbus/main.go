package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
	"github.com/alfredjeanlab/kbus/internal/ui"
)

var (
	httpURL    string
	grpcAddr   string
	tenantID   string
	authToken  string
	jsonOutput bool

	busClient client.BusClient
)

func defaultHTTPURL() string {
	if s := os.Getenv("KBUS_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func defaultGRPCAddr() string {
	if s := os.Getenv("KBUS_SERVER"); s != "" {
		return s
	}
	return "localhost:9090"
}

var rootCmd = &cobra.Command{
	Use:          "kbus <command>",
	Short:        "Multi-tenant event bus with webhook delivery",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		connect()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if busClient != nil {
			busClient.Close()
		}
	},
}

func connect() {
	if !ui.ShouldUseColor() {
		ui.ForceNoColor()
	}
	busClient = client.NewHTTPClient(httpURL, tenantID, authToken)
}

// connectTenant is the pre-run hook for tenant-scoped command groups.
func connectTenant(cmd *cobra.Command, args []string) error {
	if tenantID == "" {
		return fmt.Errorf("a tenant is required (--tenant or KBUS_TENANT)")
	}
	connect()
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP admin API URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "server", defaultGRPCAddr(), "gRPC server address (health checks)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("KBUS_TENANT"), "tenant to act as")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("KBUS_AUTH_TOKEN"), "bearer token for the server")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "bus", Title: "Bus:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Bus
	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(subscriptionCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(deliveryCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
