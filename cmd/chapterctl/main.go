// Command chapterctl is the chapter's command-line client: it signs in with
// "admin" or a fiscal code, files membership requests and lets the
// administrator review, approve and reject them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"duemari/internal/application/notify"
	"duemari/internal/application/session"
	"duemari/internal/client"
	"duemari/internal/config"
	"duemari/internal/obs"
)

const programName = "chapterctl"

var globalFlags = struct {
	debug     bool
	serverURL string
}{}

// app carries what every command needs.
type app struct {
	cfg    *config.ClientConfig
	client *client.Client
	out    io.Writer
}

type appKey struct{}

func appFrom(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey{}).(*app)
	if !ok {
		return nil, errors.New("client not initialised")
	}
	return a, nil
}

// printer writes notifications as "Title: description" lines.
func printer(w io.Writer) notify.Notifier {
	return notify.NotifierFunc(func(n notify.Notification) {
		fmt.Fprintf(w, "%s: %s\n", n.Title, n.Description)
	})
}

// openSession starts a session manager over the client and waits until the
// stored session and its role have been resolved.
// POST: caller must Close the manager
func (a *app) openSession(ctx context.Context, notifier notify.Notifier) (*session.Manager, session.Snapshot, error) {
	mgr := session.New(session.Config{
		Provider: a.client,
		Roles:    a.client,
		Resolver: a.client,
		Notifier: notifier,
	})
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	snap, err := mgr.WaitFor(waitCtx, session.Settled)
	if err != nil {
		mgr.Close()
		return nil, snap, fmt.Errorf("waiting for session: %w", err)
	}
	return mgr, snap, nil
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Due Mari Chapter membership client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.serverURL, "server", "", "server URL (overrides DUEMARI_SERVER_URL)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		obs.NewLogger(cmd.ErrOrStderr(), globalFlags.debug, false)
		cfg, err := config.LoadClient()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.serverURL != "" {
			cfg.ServerURL = globalFlags.serverURL
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 15 * time.Second
		}
		c := client.NewClient(cfg.ServerURL, client.WithSessionFile(cfg.SessionFile))
		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{cfg: cfg, client: c, out: cmd.OutOrStdout()}))
		return nil
	}

	rootCmd.AddCommand(loginCommand())
	rootCmd.AddCommand(logoutCommand())
	rootCmd.AddCommand(whoamiCommand())
	rootCmd.AddCommand(registerCommand())
	rootCmd.AddCommand(registrationsCommand())
	rootCmd.AddCommand(approveCommand())
	rootCmd.AddCommand(rejectCommand())
	return rootCmd
}

func main() {
	rootCmd := newRootCommand(os.Stdout, os.Stderr)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
