package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/domain"
	"docmigrate/internal/repo"
	docmigratesdk "docmigrate/sdk/go"
)

func auditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Audit log",
		Long:  "Every job transition, discovery page and item outcome is recorded in the append-only audit log.",
	}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	var n int
	var evtType, cursor string
	var follow bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Show the latest audit events of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if evtType != "" && !domain.EventType(evtType).Valid() {
				return fmt.Errorf("unknown event type %q", evtType)
			}
			if c := remote(); c != nil {
				if follow {
					return fmt.Errorf("--follow reads the workspace directly; drop --server")
				}
				page, err := c.Audit(cmd.Context(), args[0], evtType, n, cursor)
				if err != nil {
					return err
				}
				views := make([]auditView, 0, len(page.Items))
				for _, ev := range page.Items {
					views = append(views, auditFromAPI(ev))
				}
				slices.Reverse(views)
				return printJSONOrTable(page, func() {
					printAudit(views, true)
					if page.NextCursor != "" {
						fmt.Fprintf(os.Stderr, "older: --cursor %s\n", page.NextCursor)
					}
				})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetJob(ctx, args[0]); err != nil {
					return err
				}
				f := repo.AuditFilters{JobID: args[0], EventType: domain.EventType(evtType), Limit: n}
				if cursor != "" {
					before, err := strconv.ParseInt(cursor, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid cursor %q", cursor)
					}
					f.Before = before
				}
				last, err := a.Engine.Repo.LatestAuditID(ctx, args[0])
				if err != nil {
					return err
				}
				if follow && f.Before == 0 {
					// Bound the backlog so --follow picks up exactly after it.
					f.Before = last + 1
				}
				events, err := a.Engine.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				slices.Reverse(events)
				if err := emitAudit(events, true); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				return followAudit(ctx, a, args[0], domain.EventType(evtType), last, every)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "show events older than this event id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until interrupted")
	cmd.Flags().DurationVar(&every, "interval", time.Second, "poll interval for --follow")
	return cmd
}

func followAudit(ctx context.Context, a *app.App, jobID string, evtType domain.EventType, cursor int64, every time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			events, err := a.Engine.Repo.AuditAfter(ctx, cursor, jobID, 200)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(events) == 0 {
				break
			}
			cursor = events[len(events)-1].ID
			if evtType != "" {
				events = slices.DeleteFunc(events, func(ev domain.AuditEvent) bool { return ev.EventType != evtType })
			}
			if err := emitAudit(events, false); err != nil {
				return err
			}
		}
	}
}

func emitAudit(events []domain.AuditEvent, header bool) error {
	if viper.GetBool("json") {
		for _, ev := range events {
			if err := printJSON(ev); err != nil {
				return err
			}
		}
		return nil
	}
	views := make([]auditView, 0, len(events))
	for _, ev := range events {
		views = append(views, auditFromDomain(ev))
	}
	printAudit(views, header)
	return nil
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Job throughput samples"}
	var n int
	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show recent metrics samples, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				samples, err := c.Metrics(cmd.Context(), args[0], n)
				if err != nil {
					return err
				}
				views := make([]metricsView, 0, len(samples))
				for _, s := range samples {
					views = append(views, metricsView{
						At: s.RecordedAt, FilesPerMinute: s.FilesPerMinute, BytesPerSecond: s.BytesPerSecond,
						Throttles: s.APIThrottleCount, Errors: s.ErrorCount, Backlog: s.QueueBacklog,
					})
				}
				return printJSONOrTable(samples, func() { printMetrics(views) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetJob(ctx, args[0]); err != nil {
					return err
				}
				samples, err := a.Engine.Repo.ListMetrics(ctx, args[0], n)
				if err != nil {
					return err
				}
				views := make([]metricsView, 0, len(samples))
				for _, s := range samples {
					views = append(views, metricsView{
						At: s.RecordedAt, FilesPerMinute: s.FilesPerMinute, BytesPerSecond: s.BytesPerSecond,
						Throttles: s.APIThrottleCount, Errors: s.ErrorCount, Backlog: s.QueueBacklog,
					})
				}
				return printJSONOrTable(samples, func() { printMetrics(views) })
			})
		},
	}
	show.Flags().IntVar(&n, "n", 20, "number of samples")
	m.AddCommand(show)
	return m
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Identity mappings between source and target principals",
	}
	id.AddCommand(identityImportCmd())
	id.AddCommand(identityListCmd())
	return id
}

func identityImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert identity mappings from a JSON file (comments allowed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			maps, err := config.LoadIdentityMappings(file)
			if err != nil {
				return err
			}
			var n int
			if c := remote(); c != nil {
				n, err = c.PutIdentityMappings(cmd.Context(), apiIdentities(maps))
				if err != nil {
					return err
				}
			} else {
				err = withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					n, err = a.Engine.ImportIdentityMappings(ctx, owner(), maps)
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"imported": n})
			}
			fmt.Printf("imported %d identity mappings\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "mapping file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func apiIdentities(maps []domain.IdentityMapping) []docmigratesdk.IdentityMapping {
	out := make([]docmigratesdk.IdentityMapping, 0, len(maps))
	for _, m := range maps {
		roles := make(map[string]string, len(m.RoleMapping))
		for k, v := range m.RoleMapping {
			roles[k] = string(v)
		}
		out = append(out, docmigratesdk.IdentityMapping{
			SourceSystem:        string(m.SourceSystem),
			SourcePrincipalID:   m.SourcePrincipalID,
			SourcePrincipalType: string(m.SourcePrincipalType),
			TargetPrincipalID:   m.TargetPrincipalID,
			TargetPrincipalType: string(m.TargetPrincipalType),
			RoleMapping:         roles,
			Verified:            m.Verified,
			FallbackAction:      string(m.FallbackAction),
		})
	}
	return out
}

func identityListCmd() *cobra.Command {
	var system, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identity mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if system != "" && !domain.SourceSystem(system).Valid() {
				return fmt.Errorf("unknown source system %q", system)
			}
			if c := remote(); c != nil {
				page, err := c.IdentityMappings(cmd.Context(), system, limit, cursor)
				if err != nil {
					return err
				}
				views := make([]identityView, 0, len(page.Items))
				for _, m := range page.Items {
					views = append(views, identityView{
						System: m.SourceSystem, Source: m.SourcePrincipalID, SourceType: m.SourcePrincipalType,
						Target: m.TargetPrincipalID, TargetType: m.TargetPrincipalType,
						Verified: m.Verified, Fallback: m.FallbackAction, Roles: m.RoleMapping,
					})
				}
				return printJSONOrTable(page, func() { printIdentities(views, page.NextCursor) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				maps, err := a.Engine.Repo.ListIdentityMappings(ctx, repo.IdentityFilters{
					SourceSystem:   domain.SourceSystem(system),
					Limit:          limit + 1,
					AfterPrincipal: cursor,
				})
				if err != nil {
					return err
				}
				next := ""
				if len(maps) > limit {
					maps = maps[:limit]
					next = maps[limit-1].SourcePrincipalID
				}
				views := make([]identityView, 0, len(maps))
				for _, m := range maps {
					roles := make(map[string]string, len(m.RoleMapping))
					for k, v := range m.RoleMapping {
						roles[k] = string(v)
					}
					views = append(views, identityView{
						System: string(m.SourceSystem), Source: m.SourcePrincipalID, SourceType: string(m.SourcePrincipalType),
						Target: m.TargetPrincipalID, TargetType: string(m.TargetPrincipalType),
						Verified: m.Verified, Fallback: string(m.FallbackAction), Roles: roles,
					})
				}
				return printJSONOrTable(maps, func() { printIdentities(views, next) })
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "source system filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this source principal id")
	return cmd
}
