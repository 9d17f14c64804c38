package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		sess, err := eng.RestoreSession(cmd.Context())
		switch {
		case errors.Is(err, session.ErrNoSession):
			cmd.Println("No stored session")
			return nil
		case errors.Is(err, session.ErrSessionExpired):
			cmd.Println("Stored session had expired and was purged")
			return nil
		case errors.Is(err, session.ErrInvalidToken):
			cmd.Println("Stored session token was invalid; session purged")
			return nil
		case err != nil:
			return err
		}

		cmd.Printf("Session:  %s\n", sess.ID)
		cmd.Printf("User:     %d\n", sess.UserID)
		cmd.Printf("Origin:   %s\n", sess.Origin)
		cmd.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
		cmd.Printf("Active:   %s\n", sess.LastAccessedAt.Format(time.RFC3339))
		cmd.Printf("Expires:  %s\n", sess.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		sess, err := eng.RestoreSession(cmd.Context())
		if err != nil {
			cmd.Println("No restorable session")
			return nil
		}
		if err := eng.Logout(cmd.Context(), sess); err != nil {
			return err
		}
		cmd.Printf("Logged out user %d\n", sess.UserID)
		return nil
	},
}

var sessionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge sessions past the idle limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		n, err := eng.SweepSessions(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Purged %d session(s)\n", n)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionLogoutCmd)
	sessionCmd.AddCommand(sessionSweepCmd)
}
