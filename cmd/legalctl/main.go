package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalFlags override the profile when set.
type globalFlags struct {
	configPath   string
	baseURL      string
	token        string
	clerkID      string
	devMode      bool
	verbose      bool
	pollInterval time.Duration
	maxAttempts  int
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "legalctl",
		Short:         "Terminal client for the legal chat service",
		Long:          "legalctl asks legal questions, follows slow answers and manages chat sessions.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), g.verbose)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", defaultProfilePath, "path to legalctl profile")
	pf.StringVar(&g.baseURL, "base-url", "", "API base URL")
	pf.StringVar(&g.token, "token", "", "session token (the user ID in dev mode)")
	pf.StringVar(&g.clerkID, "clerk-id", "", "Clerk user ID")
	pf.BoolVar(&g.devMode, "dev", false, "talk to a server running with AUTH_MODE=dev")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log requests and poll ticks to stderr")
	pf.DurationVar(&g.pollInterval, "poll-interval", 0, "delay between completion checks")
	pf.IntVar(&g.maxAttempts, "max-attempts", 0, "completion checks before giving up")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newAskCmd(g))
	cmd.AddCommand(newCheckCmd(g))
	cmd.AddCommand(newSessionsCmd(g))
	cmd.AddCommand(newNewSessionCmd(g))
	cmd.AddCommand(newActivateCmd(g))
	cmd.AddCommand(newHistoryCmd(g))
	return cmd
}

// profile loads the profile and applies flags the user set explicitly.
func (g *globalFlags) profile(cmd *cobra.Command) (*Profile, error) {
	p, err := LoadProfile(g.configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("base-url") {
		p.BaseURL = g.baseURL
	}
	if f.Changed("clerk-id") {
		p.ClerkID = g.clerkID
	}
	if f.Changed("dev") {
		p.DevMode = g.devMode
	}
	if f.Changed("token") {
		p.Token = g.token
	}
	// In dev mode the token is the subject.
	if p.DevMode && p.Token == "" {
		p.Token = p.ClerkID
	}
	if f.Changed("poll-interval") {
		p.Poll.Interval = g.pollInterval
	}
	if f.Changed("max-attempts") {
		p.Poll.MaxAttempts = g.maxAttempts
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "legalctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
