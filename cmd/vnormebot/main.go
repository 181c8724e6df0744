package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/gateway"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/retention"
)

const cliChannel = "cli"

// ChatOptions for running the chat command with custom dependencies
type ChatOptions struct {
	Runtime gateway.RuntimeOptions
	Message string
	User    string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "vnormebot",
	Short:         "v-norme-bot - Telegram nutrition assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server, retention sweep and Telegram channel",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal (single message or REPL)",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored profiles",
	RunE:  runStatus,
}

var (
	messageFlag string
	userFlag    string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Identity to chat as (defaults to the OS user)")
	rootCmd.AddCommand(serveCmd, chatCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(w io.Writer) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, w); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	gw, err := gateway.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(cmd.Context(), ChatOptions{
		Message: messageFlag,
		User:    userFlag,
		Stdin:   cmd.InOrStdin(),
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
	})
}

// runChatWithOptions runs the conversation core without Telegram. Profiles
// live under the "cli" channel and share the configured snapshot.
func runChatWithOptions(ctx context.Context, opts ChatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	if err := cfg.ValidateCore(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	if opts.Runtime.GeneratorFactory == nil && strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return fmt.Errorf("API key not set. Run 'vnormebot onboard' or set OPENAI_API_KEY")
	}

	rt, err := gateway.NewRuntime(ctx, cfg, opts.Runtime)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			fmt.Fprintf(stderr, "flush snapshot: %v\n", err)
		}
	}()

	id := chatIdentity(opts.User)
	ask := func(text string) string {
		res := rt.Assistant.Handle(ctx, bus.InboundMessage{
			Channel:   cliChannel,
			SenderID:  id,
			ChatID:    id,
			Content:   text,
			Kind:      bus.KindText,
			Timestamp: time.Now(),
		})
		if res.Err != nil {
			fmt.Fprintf(stderr, "turn %s: %v\n", res.State, res.Err)
		}
		return res.Reply
	}

	if opts.Message != "" {
		fmt.Fprintln(stdout, ask(opts.Message))
		return nil
	}

	fmt.Fprintln(stdout, "v-norme-bot chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		fmt.Fprintln(stdout, ask(input))
	}
	return scanner.Err()
}

func chatIdentity(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	} else if os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		return fmt.Errorf("stat config: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Retention.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "Data dir ready: %s\n", cfg.Retention.DataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set TELEGRAM_BOT_TOKEN, OPENAI_API_KEY and PUBLIC_URL (or edit the config)")
	fmt.Fprintln(out, "  2. Run 'vnormebot chat -m \"Привет\"' to test")
	fmt.Fprintln(out, "  3. Run 'vnormebot serve' to start the bot")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s (%s)\n", cfg.Agent.Model, cfg.Provider.Type)
	fmt.Fprintf(out, "API Key: %s\n", maskSecret(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram token: %s\n", maskSecret(cfg.Telegram.Token))
	if cfg.Telegram.PublicURL != "" {
		fmt.Fprintf(out, "Webhook: %s\n", cfg.Telegram.WebhookURL())
	} else {
		fmt.Fprintln(out, "Webhook: not configured (PUBLIC_URL unset)")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Validation: %s\n", strings.ReplaceAll(err.Error(), "\n", "; "))
	} else {
		fmt.Fprintln(out, "Validation: ok")
	}

	backend, err := retention.OpenBackend(cfg.Retention.Backend, cfg.Retention.DataDir)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer backend.Close()
	records, err := backend.Load(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Store: %s (unreadable: %v)\n", backend.Location(), err)
		return nil
	}
	fmt.Fprintf(out, "Store: %s (%d profiles)\n", backend.Location(), len(records))
	return nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "not set"
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "set"
	}
}
