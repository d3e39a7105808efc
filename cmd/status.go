package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agenthud/agenthud/internal/session"
	"github.com/agenthud/agenthud/internal/watcher"
)

var statusRoot string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Scan the transcript tree once and print live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot(statusRoot)
		if err != nil {
			return err
		}

		store := session.NewStore(cfg.MaxSessions, cfg.MaxPendingChanges, slog.Default())
		w, err := watcher.New(store, watcher.Options{
			Root:            root,
			RetentionWindow: cfg.RetentionWindow.Std(),
			MaxReadBytes:    cfg.MaxReadBytes,
			RootWaitTimeout: time.Second,
		})
		if err != nil {
			return err
		}
		defer w.Close()

		if err := w.ScanOnce(cmd.Context()); err != nil {
			return err
		}

		sessions := store.Snapshot()
		if len(sessions) == 0 {
			cmd.Println("no sessions")
			return nil
		}

		// Humanize timestamps only when the actual output is a terminal,
		// not when cobra's writer has been redirected.
		interactive := false
		if f, ok := cmd.OutOrStdout().(*os.File); ok {
			interactive = term.IsTerminal(f.Fd())
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tSTATUS\tPROJECT\tBRANCH\tMSGS\tTURNS\tTOKENS\tLAST ACTIVITY\tGOAL")
		for _, s := range sessions {
			id := s.ID
			if len(id) > 8 {
				id = id[:8]
			}
			if s.IsSubagent {
				id = "↳ " + id
			}
			last := s.LastActivityAt.Format(time.RFC3339)
			if interactive {
				last = humanize.Time(s.LastActivityAt)
			}
			goal := s.Goal
			if r := []rune(goal); len(r) > 60 {
				goal = string(r[:60])
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				id, s.Status, s.ProjectName, s.GitBranch,
				s.MessageCount, s.TurnCount,
				humanize.Comma(s.Tokens.Total()), last, goal)
		}
		return tw.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusRoot, "root", "", "transcript directory to scan (default ~/.claude/projects)")
	rootCmd.AddCommand(statusCmd)
}
