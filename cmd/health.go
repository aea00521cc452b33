package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the running server",
		Run: func(cmd *cobra.Command, args []string) {
			runHealth()
		},
	}
}

func runHealth() {
	cfg := loadConfig()

	// HTTP probe first: works even when the gateway refuses registrations.
	httpURL := strings.Replace(strings.TrimSuffix(cfg.GatewayURL(), "/ws"), "ws://", "http://", 1) + "/health"
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(httpURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway unreachable at %s: %v\n", httpURL, err)
		os.Exit(1)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Printf("health: %s\n", strings.TrimSpace(string(body)))

	withCLI(func(ctx context.Context, c *cliClient) error {
		var stats gateway.Stats
		if err := c.Call(ctx, "gateway", protocol.MethodStats, nil, &stats); err != nil {
			return err
		}
		fmt.Printf("services: %s\n", strings.Join(stats.Services, ", "))
		fmt.Printf("connections: %d  pending: %d  eventSeq: %d\n",
			stats.Connections, stats.Pending, stats.EventSeq)
		return nil
	})
}
