package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"transithub/internal/app"
	"transithub/internal/domain"
	"transithub/internal/engine"
	"transithub/internal/hub"
	"transithub/internal/store"
)

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:     "transition",
		Aliases: []string{"tr"},
		Short:   "Manage transitions",
		Long:    "A transition is one handoff of work from an origin area to a destination area. It is pending until executed or acted on, then completed or error.",
	}
	tr.AddCommand(transitionListCmd())
	tr.AddCommand(transitionShowCmd())
	tr.AddCommand(transitionCreateCmd())
	tr.AddCommand(transitionApplyCmd())
	tr.AddCommand(transitionExecuteCmd())
	return tr
}

func transitionListCmd() *cobra.Command {
	var f store.TransitionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transitions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTransitions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := newTable(table.Row{"ID", "From", "To", "Trigger", "Status", "Executing", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.OriginArea, r.DestinationArea, r.TriggerKind, r.Status, r.Executing(now), r.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, completed or error")
	cmd.Flags().StringVar(&f.OriginArea, "from", "", "origin area")
	cmd.Flags().StringVar(&f.DestinationArea, "to", "", "destination area")
	cmd.Flags().StringVar(&f.TriggerKind, "trigger", "", "trigger kind")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func transitionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one transition with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetTransition(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				printTransition(r)
				return nil
			})
		},
	}
}

func transitionCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a pending handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parsePayload(payload)
			if err != nil {
				return err
			}
			opts.Payload = doc
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CreateTransition(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Println("created", r.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "transition id (generated when empty)")
	cmd.Flags().StringVar(&opts.OriginArea, "from", "", "origin area")
	cmd.Flags().StringVar(&opts.DestinationArea, "to", "", "destination area")
	cmd.Flags().StringVar(&opts.TriggerKind, "trigger", "", "trigger kind, e.g. proposal.accepted")
	cmd.Flags().StringVar(&payload, "payload", "", "business payload as a JSON object")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func transitionApplyCmd() *cobra.Command {
	var opts engine.ApplyOptions
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Change a transition's status",
		Long:  "Moves a transition to pending, completed or error. Moving back to pending reopens a completed record or resolves an errored one; --action picks between them when both apply.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.ApplyTransition(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("%s is now %s (version %d)\n", r.ID, r.Status, r.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "pending, completed or error")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note stored with the change")
	cmd.Flags().StringVar(&opts.ErrorMessage, "error", "", "error message when --status error")
	cmd.Flags().StringVar(&opts.Action, "action", "", "reopen or resolve_error")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func transitionExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Lease a pending transition and call its destination now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Execute(ctx, args[0], viper.GetString("actor-id"), a.Executor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				printTransition(r)
				return nil
			})
		},
	}
}

func printTransition(r domain.TransitionRecord) {
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"id", r.ID})
	tw.AppendRow(table.Row{"route", r.OriginArea + " -> " + r.DestinationArea})
	tw.AppendRow(table.Row{"trigger", r.TriggerKind})
	tw.AppendRow(table.Row{"status", r.Status})
	tw.AppendRow(table.Row{"version", r.Version})
	if r.CompletedAt != nil {
		tw.AppendRow(table.Row{"completed_at", r.CompletedAt.Format(time.RFC3339)})
	}
	if r.ErrorMessage != nil {
		tw.AppendRow(table.Row{"error", *r.ErrorMessage})
	}
	if r.Lease != nil {
		tw.AppendRow(table.Row{"lease", fmt.Sprintf("%s until %s", r.Lease.Owner, r.Lease.ExpiresAt.Format(time.RFC3339))})
	}
	doc := r.Payload.Map()
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw.AppendSeparator()
	for _, k := range keys {
		tw.AppendRow(table.Row{"payload." + k, doc[k]})
	}
	tw.Render()
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Manage events",
	}
	ev.AddCommand(eventEmitCmd())
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventResolveCmd())
	return ev
}

func eventEmitCmd() *cobra.Command {
	var opts engine.EmitOptions
	var payload string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Record an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parsePayload(payload)
			if err != nil {
				return err
			}
			opts.Payload = doc
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Engine.EmitEvent(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(e)
				}
				fmt.Println("emitted", e.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "event kind, e.g. invoice.overdue")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "what the event is about")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func eventListCmd() *cobra.Command {
	var f store.EventFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Kind", "Severity", "Status", "Subject", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Kind, hub.Severity(e.Kind), e.Status, e.Subject, e.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending or resolved")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "event kind")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func eventResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an event resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Engine.ResolveEvent(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(e)
				}
				fmt.Println("resolved", e.ID)
				return nil
			})
		},
	}
}

func hubCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hub",
		Short: "Cross-area overview",
	}
	h.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Pending work per source and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Aggregator.Summarize(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Source", "Pending"})
				for _, src := range a.Aggregator.Sources() {
					tw.AppendRow(table.Row{src.Name(), s.Pending[src.Name()]})
				}
				tw.AppendFooter(table.Row{hub.TotalKey, s.Pending[hub.TotalKey]})
				tw.Render()
				fmt.Println("preferred source:", s.PreferredSource)
				if len(s.RecentActivity) == 0 {
					return nil
				}
				at := newTable(table.Row{"When", "Severity", "Summary"})
				for _, e := range s.RecentActivity {
					at.AppendRow(table.Row{e.OccurredAt.Format(time.RFC3339), e.SeverityHint, e.Summary})
				}
				at.Render()
				return nil
			})
		},
	})
	return h
}
