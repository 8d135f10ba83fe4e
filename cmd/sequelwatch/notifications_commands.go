package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/notifications"
)

func newNotificationsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Inspect and manage user notifications",
	}
	cmd.AddCommand(newNotificationsListCommand(ctx))
	cmd.AddCommand(newNotificationsReadCommand(ctx))
	cmd.AddCommand(newNotificationsReadAllCommand(ctx))
	cmd.AddCommand(newNotificationsReissueCommand(ctx))
	cmd.AddCommand(newNotificationsValidateCommand(ctx))
	cmd.AddCommand(newNotificationsUnsubscribeCommand(ctx))
	cmd.AddCommand(newNotificationsRedeliverCommand(ctx))
	return cmd
}

// withApp loads config and opens the store-backed app for one command.
func withApp(ctx *commandContext, cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newNotificationsListCommand(ctx *commandContext) *cobra.Command {
	var unreadOnly bool
	var limit int
	var offset int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's notifications, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				userID := args[0]
				items, err := a.store.ListNotifications(cmd.Context(), userID, notifications.ListOptions{
					UnreadOnly: unreadOnly,
					Limit:      limit,
					Offset:     offset,
				})
				if err != nil {
					return err
				}
				unread, err := a.store.UnreadCount(cmd.Context(), userID)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, struct {
						UserID        string                       `json:"user_id"`
						Unread        int                          `json:"unread"`
						Notifications []notifications.Notification `json:"notifications"`
					}{userID, unread, items})
				}

				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintf(out, "No notifications for %s\n", userID)
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, n := range items {
					rows = append(rows, []string{
						n.ID,
						string(n.Kind),
						truncate(n.Title, 48),
						strconv.FormatFloat(n.Metadata.Confidence, 'f', 2, 64),
						n.CreatedAt.Local().Format("2006-01-02 15:04"),
						yesNo(n.Read),
						yesNo(n.Emailed),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Kind", "Title", "Confidence", "Created", "Read", "Delivered"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
				fmt.Fprintf(out, "%d unread\n", unread)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only show unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum notifications to show (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many notifications")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newNotificationsReadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "read <user> <id>",
		Short: "Mark one notification as read",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				if err := a.store.MarkRead(cmd.Context(), args[0], args[1]); err != nil {
					if errors.Is(err, notifications.ErrNotFound) {
						return fmt.Errorf("notification %s not found for user %s", args[1], args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[1])
				return nil
			})
		},
	}
}

func newNotificationsReadAllCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "read-all <user>",
		Short: "Mark every notification of a user as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				n, err := a.store.MarkAllRead(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d notification(s) as read\n", n)
				return nil
			})
		},
	}
}

func newNotificationsReissueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reissue <id>",
		Short: "Issue a fresh action token, invalidating the previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				token, err := a.dispatcher.ReissueToken(cmd.Context(), a.store, args[0])
				if err != nil {
					if errors.Is(err, notifications.ErrNotFound) {
						return fmt.Errorf("notification %s not found", args[0])
					}
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Token: %s\n", token)
				fmt.Fprintf(out, "Unsubscribe URL: %s\n", a.dispatcher.ActionURL(token))
				return nil
			})
		},
	}
}

func newNotificationsValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <token> <user>",
		Short: "Check whether an action token is valid for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				valid := a.dispatcher.Validate(args[0], args[1])
				fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s\n", yesNo(valid))
				if !valid {
					return actiontoken.ErrInvalidToken
				}
				if tok, err := actiontoken.Decode(args[0]); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s\n", tok.ExpiresAt.Local().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newNotificationsUnsubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <token>",
		Short: "Apply the unsubscribe action carried by a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				n, err := a.dispatcher.Unsubscribe(cmd.Context(), a.store, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Email notifications disabled for %s\n", n.UserID)
				return nil
			})
		},
	}
}

func newNotificationsRedeliverCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "redeliver",
		Short: "Retry push delivery of notifications not yet delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app) error {
				sent, err := a.delivery.Redeliver(cmd.Context(), a.store, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d notification(s)\n", sent)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum notifications to retry")
	return cmd
}
