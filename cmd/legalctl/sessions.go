package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(g *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		Long:  "Lists the latest sessions, creating the first one if the account has none. Use --all for every session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			c := p.client()

			list, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				if list, err = c.AllSessions(cmd.Context()); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCREATED\tACTIVE")
			for _, s := range list.Sessions {
				active := ""
				if s.IsActive {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.SessionID, s.CreatedAt.Local().Format(time.DateTime), active)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list every session instead of the latest four")
	return cmd
}

func newNewSessionCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new session and make it active",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			id, err := p.client().NewSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newActivateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <session-id>",
		Short: "Make an existing session active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			if err := p.client().ActivateSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated %s\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a session transcript",
		Long:  "Prints the transcript of --session, or of the active session when omitted. With --limit only the latest messages are shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			c := p.client()

			if sessionID == "" {
				if sessionID, err = activeSession(cmd, c); err != nil {
					return err
				}
			}
			msgs, err := c.History(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			// The limited form comes back newest first.
			for i := range msgs {
				m := msgs[i]
				if limit > 0 {
					m = msgs[len(msgs)-1-i]
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Message)
				printArtifacts(out, m.WordDocument, m.ExcelFile, m.Forms)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (defaults to the active session)")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the latest N messages")
	return cmd
}
