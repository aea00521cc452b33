package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
	}
	cmd.AddCommand(configShowCmd(), configInitCmd(), configPathCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			out, err := json.MarshalIndent(cfg.Masked(), "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(out))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive first-time setup",
		Run: func(cmd *cobra.Command, args []string) {
			runConfigInit()
		},
	}
}

func runConfigInit() {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists at %s (edit it directly, or delete it to re-init)\n", path)
		os.Exit(1)
	}

	cfg := config.Default()

	provider := "openai"
	model := "gpt-4o-mini"
	apiKey := ""
	baseURL := ""
	telegramToken := ""
	enableTelegram := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("OpenAI-compatible (custom base URL)", "openai-compatible"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Value(&model),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Base URL (empty for the provider default)").
				Value(&baseURL),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token (leave empty to set later)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "setup aborted: %v\n", err)
		os.Exit(1)
	}

	if baseURL == "" && provider == "openrouter" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	cfg.Models["default"] = config.ModelProfile{
		Provider: provider,
		Model:    model,
		APIKey:   apiKey,
		BaseURL:  baseURL,
	}
	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Telegram.BotToken = telegramToken

	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("start the server with: switchboard serve")
}
