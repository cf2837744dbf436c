package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"duemari/internal/application/dashboard"
	"duemari/internal/application/notify"
	"duemari/internal/application/orchestrators"
	"duemari/internal/application/session"
	"duemari/internal/client"
	"duemari/internal/domain/registration"
)

// ErrNotSignedIn is returned by commands that need a session when none is stored.
var ErrNotSignedIn = errors.New("not signed in: run chapterctl login")

func loginCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <admin|codice-fiscale>",
		Short: "Sign in as the administrator or with a fiscal code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
			}
			mgr, _, err := a.openSession(cmd.Context(), printer(a.out))
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.SignIn(cmd.Context(), args[0], password); err != nil {
				return err
			}
			snap, err := waitSettled(cmd.Context(), a, mgr)
			if err != nil {
				return err
			}
			printIdentity(a.out, snap)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when omitted)")
	return cmd
}

func logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			mgr, _, err := a.openSession(cmd.Context(), printer(a.out))
			if err != nil {
				return err
			}
			defer mgr.Close()
			return mgr.SignOut(cmd.Context())
		},
	}
}

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			mgr, snap, err := a.openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer mgr.Close()
			printIdentity(a.out, snap)
			return nil
		},
	}
}

func registerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <nome> <cognome> <codice-fiscale>",
		Short: "Request chapter membership",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			notifier := printer(a.out)
			reg, err := a.client.SubmitRegistration(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				notifier.Notify(notify.RegistrationFailed(apiMessage(err)))
				return err
			}
			notifier.Notify(notify.RegistrationSubmitted())
			fmt.Fprintf(a.out, "id: %s\n", reg.ID)
			return nil
		},
	}
}

func registrationsCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "registrations",
		Short: "List membership requests (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && status != "all" && !registration.IsValidStatus(status) {
				return registration.ErrInvalidStatus
			}
			a, ctrl, err := adminController(cmd)
			if err != nil {
				return err
			}
			view, err := ctrl.Load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "In attesa: %d  Approvate: %d  Rifiutate: %d\n\n",
				view.Counts.Pending, view.Counts.Approved, view.Counts.Rejected)

			regs := view.All
			switch status {
			case "", "all":
			case registration.StatusPending:
				regs = view.Pending
			default:
				regs = filterStatus(view.Processed, status)
			}
			printRegistrations(a.out, regs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show pending, approved or rejected requests")
	return cmd
}

func approveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <registration-id>",
		Short: "Approve a request and provision the member account (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctrl, err := adminController(cmd)
			if err != nil {
				return err
			}
			approval, err := ctrl.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "account: %s\nemail: %s\nactivation: %s\nexpires: %s\n",
				approval.AccountID, approval.Email, activationLink(approval), approval.ExpiresAt.Format("02/01/2006 15:04"))
			return nil
		},
	}
}

func rejectCommand() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <registration-id>",
		Short: "Reject a request (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ctrl, err := adminController(cmd)
			if err != nil {
				return err
			}
			return ctrl.Reject(cmd.Context(), args[0], notes)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reason shown in the registration record")
	return cmd
}

// adminController gates on the stored session and returns a dashboard
// controller printing its notifications.
func adminController(cmd *cobra.Command) (*app, *dashboard.Controller, error) {
	a, err := appFrom(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	mgr, snap, err := a.openSession(cmd.Context(), nil)
	if err != nil {
		return nil, nil, err
	}
	mgr.Close()

	switch dashboard.Gate(snap) {
	case dashboard.Login:
		return nil, nil, ErrNotSignedIn
	case dashboard.Home:
		return nil, nil, orchestrators.ErrNotAdmin
	case dashboard.Wait:
		return nil, nil, errors.New("session not resolved")
	}
	return a, dashboard.New(a.client, printer(a.out)), nil
}

func waitSettled(ctx context.Context, a *app, mgr *session.Manager) (session.Snapshot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return mgr.WaitFor(waitCtx, session.Settled)
}

func printIdentity(w io.Writer, snap session.Snapshot) {
	user, ok := snap.User()
	if !ok {
		fmt.Fprintln(w, "not signed in")
		return
	}
	role := "member"
	if snap.IsAdmin() {
		role = "admin"
	}
	fmt.Fprintf(w, "%s (%s)\n", user.Email, role)
}

func printRegistrations(w io.Writer, regs []registration.PendingRegistration) {
	if len(regs) == 0 {
		fmt.Fprintln(w, "Nessuna registrazione.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNOME\tCODICE FISCALE\tSTATO\tDATA\tNOTE")
	for _, r := range regs {
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\t%s\n",
			r.ID, r.FirstName, r.LastName, r.CodiceFiscale, r.Status, r.CreatedAt.Local().Format("02/01/2006 15:04"), r.Notes)
	}
	tw.Flush()
}

func filterStatus(regs []registration.PendingRegistration, status string) []registration.PendingRegistration {
	var out []registration.PendingRegistration
	for _, r := range regs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func activationLink(a dashboard.Approval) string {
	if a.ActivationURL != "" {
		return a.ActivationURL
	}
	return a.ActivationToken
}

// apiMessage strips the transport prefix so notifications show the
// server's message.
func apiMessage(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Message)
	}
	return err
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
