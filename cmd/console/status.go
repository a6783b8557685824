package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		out := cmd.OutOrStdout()
		status := a.sessions.Status()
		if !status.Authenticated {
			fmt.Fprintln(out, "Not logged in.")
			return nil
		}

		who := status.Email
		if who == "" {
			who = "user " + status.UserID
		}
		fmt.Fprintf(out, "Logged in as %s against %s\n", who, a.cfg.API.BaseURL)
		if status.ExpiresAt != nil {
			left := time.Until(*status.ExpiresAt).Round(time.Second)
			if left > 0 {
				fmt.Fprintf(out, "Access token expires in %s\n", left)
			} else {
				fmt.Fprintln(out, "Access token expired; it will be renewed on the next request")
			}
		}
		fmt.Fprintf(out, "Stored refresh token: %t\n", a.creds.Get().HasRefresh())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
