package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ashureev/dsl-copilot/internal/app"
	"github.com/ashureev/dsl-copilot/internal/console"
	"github.com/ashureev/dsl-copilot/internal/store"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the copilot in the terminal",
	Long: `Starts an interactive chat. Each prompt runs the generate/validate loop
and prints the accepted code. Type "exit" or "quit" to leave; Ctrl-C cancels
the generation in flight.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringP("language", "l", "", "Target language (defaults to CODE_LANGUAGE)")
	chatCmd.Flags().String("session", "", "Resume a stored session id")
	chatCmd.Flags().String("db", "", "SQLite database path (defaults to DB_PATH)")
	chatCmd.Flags().Bool("plain", false, "Print code without markdown rendering")
	chatCmd.Flags().BoolP("verbose", "v", false, "Show every draft")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath, store.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	svc, cleanup, err := app.NewService(ctx, cfg, logger, app.Options{Repo: repo})
	if err != nil {
		return err
	}
	defer cleanup()
	defer svc.Close()

	out := cmd.OutOrStdout()
	render := console.PlainRenderer
	plain, _ := cmd.Flags().GetBool("plain")
	if fd := int(os.Stdout.Fd()); !plain && term.IsTerminal(fd) {
		width := 0
		if w, _, err := term.GetSize(fd); err == nil {
			width = w
		}
		render = console.NewMarkdownRenderer(width)
	}

	language, _ := cmd.Flags().GetString("language")
	sessionID, _ := cmd.Flags().GetString("session")
	verbose, _ := cmd.Flags().GetBool("verbose")

	interrupt := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			select {
			case interrupt <- struct{}{}:
			default:
				// Nothing in flight: leave like a shell would.
				fmt.Fprintln(out)
				os.Exit(130)
			}
		}
	}()

	chat, err := console.New(console.Options{
		Copilot:   svc,
		In:        cmd.InOrStdin(),
		Out:       out,
		Language:  language,
		SessionID: sessionID,
		Render:    render,
		Interrupt: interrupt,
		Verbose:   verbose,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "DSL Copilot (%s, up to %d attempts). Session %s\n", svc.Language(), svc.MaxAttempts(), chat.SessionID())
	return chat.Run(ctx)
}
