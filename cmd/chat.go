package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

func chatCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agent",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionKey)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: cli:local)")
	return cmd
}

func runChat(sessionKey string) {
	cfg := loadConfig()
	if sessionKey == "" {
		sessionKey = sessions.BuildCLIKey("")
	}

	ctx := context.Background()
	client, err := dialCLI(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach gateway at %s: %v\n", cfg.GatewayURL(), err)
		fmt.Fprintln(os.Stderr, "is the server running? start it with: switchboard serve")
		os.Exit(1)
	}
	defer client.Close()

	model, _ := cfg.PrimaryModel()
	fmt.Fprintf(os.Stderr, "\nSwitchboard chat (model: %s)\n", model.Model)
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if input == "/new" {
			sessionKey = sessions.BuildCLIKey(uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		resp, err := client.Send(ctx, sessionKey, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		if resp != "" {
			fmt.Println(resp)
		}
		fmt.Println()
	}
}
