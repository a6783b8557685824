package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/pkg/validator"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the dispatch API and store the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		email := loginEmail
		if email == "" {
			fmt.Fprint(out, "Email: ")
			if email, err = readLine(in); err != nil {
				return err
			}
		}
		fmt.Fprint(out, "Password: ")
		password, err := readPassword(in)
		fmt.Fprintln(out)
		if err != nil {
			return err
		}

		email = validator.SanitizeEmail(email)
		if errs := validator.ValidateLogin(email, password); errs.HasErrors() {
			return errs
		}

		status, err := a.sessions.Login(cmd.Context(), email, password)
		// Only the stored credential outlives this command
		a.sessions.Stop()
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return errors.New("login failed: check your email and password")
		}
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Fprintf(out, "Logged in as %s. %d unread notifications.\n", email, status.Unread)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget the stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		if err := a.sessions.Logout(); err != nil {
			return fmt.Errorf("clearing stored credentials: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "dispatcher email (prompted when empty)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo on a terminal and falls back to a plain
// line read for piped input
func readPassword(r *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if r.Buffered() == 0 && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
