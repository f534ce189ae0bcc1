package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/callcoach/internal/store"
)

func historyCmd() *cobra.Command {
	var limitFlag int
	var pruneFlag time.Duration

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List recorded sessions, or show one session's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("history is disabled (database.path is empty)")
			}
			s, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if pruneFlag > 0 {
				n, err := s.PruneSessions(time.Now().Add(-pruneFlag))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d sessions\n", n)
				return nil
			}
			if len(args) == 1 {
				return printSession(out, s, args[0])
			}
			return printSessions(out, s, limitFlag)
		},
	}
	cmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "number of sessions to list")
	cmd.Flags().DurationVar(&pruneFlag, "prune", 0, "delete sessions older than this (e.g. 720h)")
	return cmd
}

func printSessions(w io.Writer, s *store.Store, limit int) error {
	list, err := s.ListSessions(limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}
	for _, r := range list {
		ended := "live"
		if r.EndedAt != nil {
			ended = r.EndState + " after " + r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %3d lines  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04"), r.ID, r.Lines, ended)
	}
	return nil
}

func printSession(w io.Writer, s *store.Store, id string) error {
	rec, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("session %s not found", id)
	}
	fmt.Fprintf(w, "session %s (%s)\n", rec.ID, rec.Backend)

	lines, err := s.ListLines(id)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintf(w, "[%s] %s: %s\n", l.Timestamp, l.Speaker, l.Text)
	}

	latest, err := s.LatestSuggestions(id)
	if err != nil {
		return err
	}
	if latest != nil {
		fmt.Fprintln(w, "last suggestions:")
		writeSuggestions(w, latest)
	}
	return nil
}
