package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/kbus/internal/client"
	"github.com/alfredjeanlab/kbus/internal/server"
	"github.com/alfredjeanlab/kbus/internal/ui"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the bus server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		var (
			status  string
			healthy bool
			err     error
		)
		if useGRPC {
			status, err = grpcHealth(ctx)
			healthy = status == "SERVING"
		} else {
			status, err = busClient.Health(ctx)
			healthy = status == "ok"
		}
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", ui.RenderStatus(status))
		}

		if !healthy {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

func grpcHealth(ctx context.Context) (string, error) {
	hc, err := client.NewHealthClient(grpcAddr, authToken)
	if err != nil {
		return "", err
	}
	defer hc.Close()
	return hc.Check(ctx, server.ServiceName)
}

func init() {
	healthCmd.Flags().Bool("grpc", false, "probe the gRPC health service instead of HTTP")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for an answer")
}
