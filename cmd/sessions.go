package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/session"
)

// withStore opens the configured session store for a command that needs
// nothing else.
func withStore(fn func(st session.Store, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := initConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer closeLog()
		st, err := openStore(cfg.Store, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(st, cmd.OutOrStdout())
	}
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show and delete saved sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(st session.Store, out io.Writer) error {
			infos, err := st.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, "No saved sessions.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-16s  %-16s  %5s  %8s  %s\n", "ID", "CREATED", "UPDATED", "TURNS", "TOKENS", "POLICY")
			for _, info := range infos {
				fmt.Fprintf(out, "%-36s  %-16s  %-16s  %5d  %8d  %s\n", info.ID,
					info.CreatedAt.Local().Format("2006-01-02 15:04"),
					info.UpdatedAt.Local().Format("2006-01-02 15:04"),
					info.Turns, info.Tokens, info.Policy)
			}
			return nil
		}),
	}

	var showAll bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's history",
		Args:  cobra.ExactArgs(1),
	}
	show.Flags().BoolVar(&showAll, "full", false, "do not truncate long entries")
	show.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(st session.Store, out io.Writer) error {
			id, err := agent.ResolveSessionID(st, args[0])
			if err != nil {
				return err
			}
			sess, err := st.Load(id)
			if err != nil {
				return err
			}
			printSession(out, sess, showAll)
			return nil
		})(cmd, args)
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its checkpoints",
		Args:  cobra.ExactArgs(1),
	}
	del.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(st session.Store, out io.Writer) error {
			id, err := agent.ResolveSessionID(st, args[0])
			if err != nil {
				return err
			}
			if err := st.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted session %s\n", id)
			return nil
		})(cmd, args)
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func printSession(out io.Writer, sess *session.Session, full bool) {
	clip := func(s string) string {
		s = strings.TrimSpace(s)
		if !full && len(s) > 200 {
			return s[:200] + "..."
		}
		return s
	}
	fmt.Fprintf(out, "Session %s\n  created %s, updated %s, policy %s, %d tokens\n",
		sess.ID, sess.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		sess.UpdatedAt.Local().Format("2006-01-02 15:04:05"), sess.Policy, sess.Usage.TotalTokens)
	if sess.Summary != nil {
		fmt.Fprintf(out, "\n[summary of turns %d-%d]\n%s\n", sess.Summary.From, sess.Summary.Ordinal, clip(sess.Summary.Text))
	}
	for _, t := range sess.Turns {
		fmt.Fprintf(out, "\n#%d %s/%s  ", t.Ordinal, t.Role, t.Kind)
		switch t.Kind {
		case session.KindToolCall:
			fmt.Fprintf(out, "%s %s\n", t.Call.Name, clip(string(t.Call.Arguments)))
		case session.KindToolResult:
			status := "ok"
			if !t.Result.Success {
				status = string(t.Result.Kind)
			}
			fmt.Fprintf(out, "%s %s\n%s\n", t.Result.Name, status, clip(t.Result.Content()))
		case session.KindApproval:
			fmt.Fprintf(out, "%s %s -> %s\n", t.Approval.Tool, t.Approval.Decision, t.Approval.Response)
		default:
			fmt.Fprintf(out, "\n%s\n", clip(t.Text))
		}
	}
}

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"checkpoints", "cp"},
		Short:   "Create, list and restore session checkpoints",
	}

	create := &cobra.Command{
		Use:   "create <session> [label]",
		Short: "Snapshot a saved session (label defaults to cp-N)",
		Args:  cobra.RangeArgs(1, 2),
	}
	create.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(st session.Store, out io.Writer) error {
			id, err := agent.ResolveSessionID(st, args[0])
			if err != nil {
				return err
			}
			sess, err := st.Load(id)
			if err != nil {
				return err
			}
			label := ""
			if len(args) == 2 {
				label = args[1]
			}
			info, err := st.Checkpoint(sess, label)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Checkpoint %s of %s (%d turns)\n", info.Label, id, info.TurnCount)
			return nil
		})(cmd, args)
	}

	list := &cobra.Command{
		Use:   "list <session>",
		Short: "List a session's checkpoints",
		Args:  cobra.ExactArgs(1),
	}
	list.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(st session.Store, out io.Writer) error {
			id, err := agent.ResolveSessionID(st, args[0])
			if err != nil {
				return err
			}
			cps, err := st.Checkpoints(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, agent.FormatCheckpoints(cps))
			return nil
		})(cmd, args)
	}

	restore := &cobra.Command{
		Use:   "restore <session> <label>",
		Short: "Replace a session's current state with a checkpoint",
		Args:  cobra.ExactArgs(2),
	}
	restore.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(st session.Store, out io.Writer) error {
			id, err := agent.ResolveSessionID(st, args[0])
			if err != nil {
				return err
			}
			sess, err := st.Restore(id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Restored %s to %s (%d turns)\n", id, args[1], len(sess.Turns))
			return nil
		})(cmd, args)
	}

	cmd.AddCommand(create, list, restore)
	return cmd
}
