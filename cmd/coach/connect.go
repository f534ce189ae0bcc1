package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/callcoach/internal/config"
	"github.com/ehrlich-b/callcoach/internal/copilot"
	"github.com/ehrlich-b/callcoach/internal/dispatch"
	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/store"
)

func connectCmd() *cobra.Command {
	var backendFlag string
	var noHistoryFlag bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Start a coaching session",
		Long: `Bootstraps a session with the backend and keeps its socket open.

Each line read from stdin is sent as a customer utterance. Commands:
  /voice start   start server-side voice streaming
  /voice stop    stop it
  /quit          end the session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if backendFlag != "" {
				cfg.Backend.URL = backendFlag
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			var rec copilot.Recorder
			if cfg.Database.Path != "" && !noHistoryFlag {
				s, err := openHistory(cfg)
				if err != nil {
					return err
				}
				defer s.Close()
				rec = s
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := newRenderer(cmd.OutOrStdout())
			client := copilot.New(copilot.Options{
				BackendURL:       cfg.Backend.URL,
				BootstrapStep:    cfg.Bootstrap.Step,
				BootstrapRetries: cfg.Bootstrap.MaxAttempts,
				ReconnectStep:    cfg.Reconnect.Step,
				MaxReconnects:    cfg.Reconnect.MaxAttempts,
				Dispatch: dispatch.Options{
					ProcessingAgents: cfg.Dispatch.ProcessingAgents,
					StrictTypes:      cfg.Dispatch.StrictTypes,
				},
				Recorder: rec,
				OnChange: out.render,
			})

			fmt.Fprintf(cmd.ErrOrStderr(), "connecting to %s\n", cfg.Backend.URL)
			go readInput(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), client, out.Opened(), stop)
			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&backendFlag, "backend", "", "backend base URL (overrides config)")
	cmd.Flags().BoolVar(&noHistoryFlag, "no-history", false, "do not record the session")
	return cmd
}

func openHistory(cfg *config.Config) (*store.Store, error) {
	if cfg.Database.Path != ":memory:" {
		if err := config.EnsureConfigDir(filepath.Dir(cfg.Database.Path)); err != nil {
			return nil, err
		}
	}
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return s, nil
}

// sender is the part of copilot.Client the input loop drives.
type sender interface {
	SendUtterance(ctx context.Context, text string) bool
	StartVoice(ctx context.Context) bool
	StopVoice(ctx context.Context) bool
}

// readInput waits for the session to open, then turns stdin lines into
// utterances and commands. quit ends the session.
func readInput(ctx context.Context, in io.Reader, errw io.Writer, c sender, opened <-chan struct{}, quit func()) {
	select {
	case <-opened:
	case <-ctx.Done():
		return
	}

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	sc := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(errw, "> ")
		}
		if !sc.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !handleLine(ctx, errw, c, sc.Text(), quit) {
			return
		}
	}
}

// handleLine runs one input line. It returns false after /quit.
func handleLine(ctx context.Context, errw io.Writer, c sender, line string, quit func()) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return true
	case "/quit", "/exit":
		quit()
		return false
	case "/voice start":
		if !c.StartVoice(ctx) {
			fmt.Fprintln(errw, "not connected")
		}
		return true
	case "/voice stop":
		if !c.StopVoice(ctx) {
			fmt.Fprintln(errw, "not connected")
		}
		return true
	}
	if strings.HasPrefix(line, "/") {
		fmt.Fprintf(errw, "unknown command %s\n", line)
		return true
	}
	if !c.SendUtterance(ctx, line) {
		fmt.Fprintln(errw, "not connected; line dropped")
	}
	return true
}
