package cmd

import (
	"context"
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsHistoryCmd(), sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Sessions []store.Session `json:"sessions"`
				}
				params := map[string]any{"limit": limit}
				if kind != "" {
					params["kind"] = kind
				}
				if err := c.Call(ctx, "sessions", protocol.MethodSessionList, params, &out); err != nil {
					return err
				}
				if len(out.Sessions) == 0 {
					fmt.Println("no sessions")
					return nil
				}
				fmt.Printf("%s %s %s\n",
					runewidth.FillRight("SESSION", 36),
					runewidth.FillRight("KIND", 10),
					"UPDATED")
				for _, s := range out.Sessions {
					fmt.Printf("%s %s %s\n",
						runewidth.FillRight(runewidth.Truncate(s.SessionKey, 36, "…"), 36),
						runewidth.FillRight(string(s.Kind), 10),
						s.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (channel, cron, cli, webhook)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions to list")
	return cmd
}

func sessionsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <sessionKey>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Messages []store.SessionMessage `json:"messages"`
				}
				err := c.Call(ctx, "sessions", protocol.MethodSessionGetMessages, map[string]any{
					"sessionKey": args[0],
					"limit":      limit,
				}, &out)
				if err != nil {
					return err
				}
				for _, m := range out.Messages {
					fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max messages to print")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <sessionKey>",
		Short: "Delete a session and its transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Deleted bool `json:"deleted"`
				}
				err := c.Call(ctx, "sessions", protocol.MethodSessionDelete, map[string]any{
					"sessionKey": args[0],
				}, &out)
				if err != nil {
					return err
				}
				if !out.Deleted {
					fmt.Printf("no session %s\n", args[0])
				} else {
					fmt.Printf("deleted %s\n", args[0])
				}
				return nil
			})
		},
	}
}
