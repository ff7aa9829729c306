// ABOUTME: history and health commands: list, purge and check stored conversations
// ABOUTME: Purge uses the same bounded-concurrency delete as the HTTP route

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coursechat-gateway/internal/conversation"
	"github.com/2389/coursechat-gateway/internal/store"
)

func (a *app) historyService(s store.Store) *conversation.Service {
	return conversation.New(s, conversation.Adapters{}, nil, conversation.Options{
		DeleteConcurrency: a.cfg.History.DeleteConcurrency,
	}, a.logger)
}

func (a *app) historyCommand() *cobra.Command {
	var tenantID, userID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or purge a user's stored conversations",
	}
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "course context id")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user id")

	required := func() error {
		if tenantID == "" || userID == "" {
			return errors.New("--tenant and --user are required")
		}
		return nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := required(); err != nil {
				return err
			}
			return a.withStore(func(s store.Store) error {
				svc := a.historyService(s)
				w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tUPDATED")

				var total int
				for offset := 0; ; {
					page, err := svc.List(cmd.Context(), tenantID, userID, store.ListOptions{Offset: offset})
					var nf *conversation.NotFoundError
					if errors.As(err, &nf) {
						break
					}
					if err != nil {
						return err
					}
					if len(page) == 0 {
						break
					}
					for _, c := range page {
						fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format(time.DateTime))
					}
					total += len(page)
					offset += len(page)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				color.New(color.FgHiBlack).Fprintf(a.out, "%d conversations\n", total)
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every conversation of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := required(); err != nil {
				return err
			}
			return a.withStore(func(s store.Store) error {
				result, err := a.historyService(s).DeleteAll(cmd.Context(), tenantID, userID)
				var nf *conversation.NotFoundError
				if errors.As(err, &nf) {
					fmt.Fprintln(a.out, nf.Msg)
					return nil
				}
				fmt.Fprintf(a.out, "deleted %d, failed %d\n", result.Deleted, result.Failed)
				return err
			})
		},
	}

	cmd.AddCommand(list, purge)
	return cmd
}

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the history store health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s store.Store) error {
				if err := a.historyService(s).Ensure(cmd.Context()); err != nil {
					color.New(color.FgRed).Fprintln(a.out, "✗ history store unhealthy")
					return err
				}
				color.New(color.FgGreen).Fprintln(a.out, "✓ history store healthy")
				return nil
			})
		},
	}
}
