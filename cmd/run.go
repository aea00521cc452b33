package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

func runCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Run one task and print the response",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runOneShot(strings.Join(args, " "), sessionKey)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: a fresh cli session)")
	return cmd
}

func runOneShot(task, sessionKey string) {
	cfg := loadConfig()
	if sessionKey == "" {
		sessionKey = sessions.BuildCLIKey(uuid.NewString()[:8])
	}

	ctx := context.Background()
	client, err := dialCLI(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach gateway at %s: %v\n", cfg.GatewayURL(), err)
		os.Exit(1)
	}
	defer client.Close()

	resp, err := client.Send(ctx, sessionKey, task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp != "" {
		fmt.Println(resp)
	}
}
