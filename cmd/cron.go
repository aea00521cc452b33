package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronTriggerCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Tasks []store.CronTask `json:"tasks"`
				}
				if err := c.Call(ctx, "cron", protocol.MethodCronList, nil, &out); err != nil {
					return err
				}
				if len(out.Tasks) == 0 {
					fmt.Println("no tasks")
					return nil
				}
				fmt.Printf("%s %s %s %s\n",
					runewidth.FillRight("ID", 20),
					runewidth.FillRight("SCHEDULE", 16),
					runewidth.FillRight("ENABLED", 8),
					"TASK")
				for _, t := range out.Tasks {
					fmt.Printf("%s %s %s %s\n",
						runewidth.FillRight(runewidth.Truncate(t.ID, 20, "…"), 20),
						runewidth.FillRight(t.Schedule, 16),
						runewidth.FillRight(fmt.Sprintf("%t", t.Enabled), 8),
						runewidth.Truncate(t.Task, 60, "…"))
				}
				return nil
			})
		},
	}
}

func cronAddCmd() *cobra.Command {
	var name, schedule, task string
	var notify []string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a scheduled task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Task store.CronTask `json:"task"`
				}
				err := c.Call(ctx, "cron", protocol.MethodCronAdd, map[string]any{
					"id":       args[0],
					"name":     name,
					"schedule": schedule,
					"task":     task,
					"notify":   notify,
				}, &out)
				if err != nil {
					return err
				}
				fmt.Printf("added %s (%s)\n", out.Task.ID, out.Task.Schedule)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression (required)")
	cmd.Flags().StringVar(&task, "task", "", "prompt to run (required)")
	cmd.Flags().StringSliceVar(&notify, "notify", nil, "notify targets, channel:userId")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("task")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				var out struct {
					Removed bool `json:"removed"`
				}
				if err := c.Call(ctx, "cron", protocol.MethodCronRemove, map[string]any{"id": args[0]}, &out); err != nil {
					return err
				}
				if !out.Removed {
					fmt.Printf("no task %s\n", args[0])
				} else {
					fmt.Printf("removed %s\n", args[0])
				}
				return nil
			})
		},
	}
}

func cronTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id>",
		Short: "Fire a task now, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withCLI(func(ctx context.Context, c *cliClient) error {
				if err := c.Call(ctx, "cron", protocol.MethodCronRun, map[string]any{"id": args[0]}, nil); err != nil {
					return err
				}
				fmt.Printf("triggered %s\n", args[0])
				return nil
			})
		},
	}
}

// withCLI dials the gateway, runs fn, and exits non-zero on error.
func withCLI(fn func(ctx context.Context, c *cliClient) error) {
	cfg := loadConfig()
	ctx := context.Background()
	client, err := dialCLI(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach gateway at %s: %v\n", cfg.GatewayURL(), err)
		os.Exit(1)
	}
	defer client.Close()

	if err := fn(ctx, client); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
