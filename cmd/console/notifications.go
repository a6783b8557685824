package main

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchdesk/console/internal/domain"
	"github.com/dispatchdesk/console/internal/gateway"
)

var (
	unreadOnly bool
	markAll    bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "Show the notification feed, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		if err := a.sessions.Resync(cmd.Context(), "cli"); err != nil {
			return explain(err)
		}

		view := a.store.SortedView()
		if unreadOnly {
			view = a.store.UnreadView()
		}
		printFeed(cmd.OutOrStdout(), view, a.store.Policy())
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d unread\n", a.store.UnreadCount())
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read [key...]",
	Short: "Mark notifications read",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !markAll && len(args) == 0 {
			return errors.New("name at least one notification key, or pass --all")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		ctx := cmd.Context()
		if markAll {
			return explain(a.notifications.MarkAllRead(ctx))
		}

		if err := a.sessions.Resync(ctx, "cli"); err != nil {
			return explain(err)
		}
		var errs []error
		for _, key := range args {
			id, err := a.store.Resolve(key)
			if err == nil {
				err = a.notifications.MarkRead(ctx, id)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
		return explain(errors.Join(errs...))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete key...",
	Short: "Delete notifications",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		ctx := cmd.Context()
		if err := a.sessions.Resync(ctx, "cli"); err != nil {
			return explain(err)
		}

		ids := make([]domain.Identity, 0, len(args))
		for _, key := range args {
			id, err := a.store.Resolve(key)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			ids = append(ids, id)
		}
		return explain(a.notifications.RemoveMany(ctx, ids))
	},
}

func init() {
	notificationsCmd.Flags().BoolVar(&unreadOnly, "unread", false, "only unread and recently read notifications")
	readCmd.Flags().BoolVar(&markAll, "all", false, "mark every notification read")
	notificationsCmd.AddCommand(readCmd, deleteCmd)
	rootCmd.AddCommand(notificationsCmd)
}

func printFeed(out io.Writer, feed iter.Seq[domain.Notification], policy domain.VisibilityPolicy) {
	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tWHEN\tSTATE\tTYPE\tTITLE")
	for n := range feed {
		state := "unread"
		switch {
		case policy.RecentlyRead(&n, now):
			state = "read just now"
		case n.IsRead:
			state = "read"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			n.Identity().Key(),
			n.CreatedAt.Local().Format("Jan 02 15:04"),
			state,
			n.Type,
			n.Title,
		)
	}
	w.Flush()
}

// explain rewrites session errors into something a person can act on
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, gateway.ErrSessionExpired):
		return errors.New("not logged in: run `console login`")
	case errors.Is(err, gateway.ErrConnectivity):
		return fmt.Errorf("dispatch API unreachable: %w", err)
	default:
		return err
	}
}
