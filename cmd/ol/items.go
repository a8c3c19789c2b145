package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/domain"
	"orderline/internal/engine"
)

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items belong to one branch and move through the lifecycle statuses. Every change is recorded in the item history.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemTransitionCmd())
	item.AddCommand(itemDeleteCmd())
	item.AddCommand(itemHistoryCmd())
	item.AddCommand(itemCommentCmd())
	item.AddCommand(itemCommentsCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var total, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			if total != "" {
				d, err := decimal.NewFromString(total)
				if err != nil {
					return domain.Invalid("total", "not a decimal number")
				}
				opts.Attributes.Total = &d
			}
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return domain.Invalid("due_at", "must be RFC3339")
				}
				opts.Attributes.DueAt = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w, err := a.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BranchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "external reference, unique per branch")
	cmd.Flags().StringVar(&opts.Attributes.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Attributes.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Attributes.Priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&total, "total", "", "monetary total")
	cmd.Flags().StringVar(&opts.Attributes.Currency, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&opts.Attributes.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&due, "due", "", "due time (RFC3339)")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w, err := a.Engine.Get(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var opts engine.ListOptions
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items in scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.Status = domain.Status(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.List(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Branch", "Reference", "Title", "Status", "Assignee", "Updated"})
				for _, w := range items {
					status := string(w.Status)
					if w.Deleted() {
						status += " (deleted)"
					}
					tw.AppendRow(table.Row{w.ID, w.BranchID, w.Reference, w.Attributes.Title, status, w.Attributes.AssigneeID, w.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.BranchID, "branch", "", "branch filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include soft-deleted items")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum items")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var patch string
	cmd := &cobra.Command{
		Use:     "update <id>",
		Short:   "Apply a JSON merge patch to the item attributes",
		Example: `  ol item update 01J... --patch '{"priority":"high","assignee_id":null}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(patch)) {
				return domain.Invalid("patch", "must be valid JSON")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w, err := a.Engine.Update(ctx, engine.UpdateOptions{ActorID: actorID(), ID: args[0], Patch: json.RawMessage(patch)})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&patch, "patch", "", "merge patch JSON")
	_ = cmd.MarkFlagRequired("patch")
	return cmd
}

func itemTransitionCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a work item to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w, err := a.Engine.Transition(ctx, engine.TransitionOptions{
					ActorID: actorID(),
					ID:      args[0],
					Status:  domain.Status(args[1]),
					Notes:   notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes stored with the status change")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.SoftDelete(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				records, err := a.Engine.History(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := newTable(table.Row{"At", "Actor", "Field", "Old", "New", "Notes"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.CreatedAt.Format(time.RFC3339), r.ActorID, r.Field, deref(r.OldValue), deref(r.NewValue), r.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Comment on a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.AddComment(ctx, actorID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func itemCommentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comments <id>",
		Short: "List comments of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				comments, err := a.Engine.Comments(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(comments)
				}
				tw := newTable(table.Row{"At", "Author", "Body"})
				for _, c := range comments {
					tw.AppendRow(table.Row{c.CreatedAt.Format(time.RFC3339), c.AuthorID, c.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count active work items per branch and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				counts, err := a.Engine.Stats(ctx, actorID(), branch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"Branch", "Status", "Count"})
				for _, c := range counts {
					tw.AppendRow(table.Row{c.BranchID, c.Status, c.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "limit to one branch")
	return cmd
}
