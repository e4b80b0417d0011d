package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mashvarat/legalchat/internal/client"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/poller"
	"github.com/spf13/cobra"
)

func newAskCmd(g *globalFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a legal question and wait for the answer",
		Long: "Stores the question in the session transcript, dispatches it and, when the worker is slow, " +
			"checks for the answer at the poll interval until it arrives or the attempt budget runs out.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			c := p.client()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if sessionID == "" {
				if sessionID, err = activeSession(cmd, c); err != nil {
					return err
				}
			}

			text := strings.TrimSpace(strings.Join(args, " "))
			if _, err := c.AppendMessage(ctx, sessionID, domain.RoleUser, text); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			r := poller.NewRunner(c, p.pollConfig(), printEntry(out))
			res, err := r.Ask(ctx, sessionID, text)
			switch {
			case errors.Is(err, poller.ErrCancelled):
				fmt.Fprintln(out, "Cancelled.")
				return err
			case err != nil:
				return err
			}
			if res.RequestID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "request %s answered after %d checks\n", res.RequestID, res.Attempts)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (defaults to the active session)")
	return cmd
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var (
		sessionID string
		follow    bool
	)

	cmd := &cobra.Command{
		Use:   "check <request-id>",
		Short: "Check whether the answer to a request has arrived",
		Long:  "Runs one completion check for a request. With --follow it keeps checking at the poll interval.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile(cmd)
			if err != nil {
				return err
			}
			c := p.client()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if sessionID == "" {
				if sessionID, err = activeSession(cmd, c); err != nil {
					return err
				}
			}

			if follow {
				r := poller.NewRunner(c, p.pollConfig(), printEntry(out))
				_, err := r.Watch(ctx, sessionID, args[0], time.Time{})
				return err
			}

			res, err := c.Check(ctx, poller.CheckRequest{SessionID: sessionID, RequestID: args[0]})
			if err != nil {
				return err
			}
			switch res.Status {
			case poller.CheckCompleted:
				printAnswer(out, res.Answer)
			case poller.CheckError:
				return errors.New(res.Error)
			default:
				fmt.Fprintln(out, "pending")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (defaults to the active session)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep checking until the answer arrives")
	return cmd
}

// activeSession bootstraps the account and returns its active session.
func activeSession(cmd *cobra.Command, c *client.Client) (string, error) {
	list, err := c.Sessions(cmd.Context())
	if err != nil {
		return "", err
	}
	id := list.ActiveID()
	if id == "" {
		return "", errors.New("no active session")
	}
	return id, nil
}

func printEntry(out io.Writer) poller.Sink {
	return func(e poller.Entry) {
		switch e.Kind {
		case poller.EntryQuestion:
			fmt.Fprintf(out, "> %s\n", e.Content)
		case poller.EntryAnswer:
			printAnswer(out, e.Answer)
		default:
			fmt.Fprintln(out, e.Content)
		}
	}
}

func printAnswer(out io.Writer, a *poller.Answer) {
	if a == nil {
		return
	}
	fmt.Fprintln(out, a.Content)
	printArtifacts(out, a.WordDocument, a.ExcelFile, a.Forms)
}

func printArtifacts(out io.Writer, word, excel *string, forms []string) {
	if word != nil && *word != "" {
		fmt.Fprintf(out, "  word: %s\n", *word)
	}
	if excel != nil && *excel != "" {
		fmt.Fprintf(out, "  excel: %s\n", *excel)
	}
	for _, f := range (domain.Artifacts{Forms: forms}).ValidForms() {
		fmt.Fprintf(out, "  form: %s\n", f)
	}
}
