package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/domain"
	"docmigrate/internal/engine"
	"docmigrate/internal/repo"
	docmigratesdk "docmigrate/sdk/go"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage migration jobs",
		Long:  "Submit, run and control migration jobs. A job runs inside the process that starts it; 'dm serve' runs jobs in the background.",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobRunCmd())
	job.AddCommand(jobResumeCmd())
	job.AddCommand(jobPauseCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobRetryCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobItemsCmd())
	job.AddCommand(jobCheckpointCmd())
	return job
}

func jobSubmitCmd() *cobra.Command {
	var file, id string
	var run bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a YAML job file",
		Example: `  dm job submit -f drive-to-archive.yaml --run
  dm job submit -f s3-bucket.yaml --server http://127.0.0.1:8080 --token $TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.LoadJobSpec(file)
			if err != nil {
				return err
			}
			var cred *domain.MigrationCredentials
			if spec.Credentials != nil {
				c, err := spec.Credentials.Load(spec.SourceSystem)
				if err != nil {
					return err
				}
				cred = &c
			}
			jobOwner := spec.Owner
			if jobOwner == "" || cmd.Flags().Changed("owner") {
				jobOwner = owner()
			}
			if c := remote(); c != nil {
				req, err := createJobRequest(id, spec, cred)
				if err != nil {
					return err
				}
				req.Start = run
				job, err := c.CreateJob(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.SubmitJob(ctx, engine.SubmitOptions{
					ID:           id,
					OwnerUserID:  jobOwner,
					SourceSystem: spec.SourceSystem,
					Name:         spec.Name,
					Config:       spec.Config,
					Credentials:  cred,
				})
				if err != nil {
					return err
				}
				if run {
					job, err = runForeground(ctx, a, job.ID, func(ctx context.Context) (domain.MigrationJob, error) {
						return a.Engine.Run(ctx, job.ID)
					})
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(job, func() { printJob(jobFromDomain(job, false), nil) })
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "job file (YAML)")
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().BoolVar(&run, "run", false, "run the job now; with --server it starts in the background")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func createJobRequest(id string, spec config.JobSpec, cred *domain.MigrationCredentials) (docmigratesdk.CreateJobRequest, error) {
	raw, err := json.Marshal(spec.Config)
	if err != nil {
		return docmigratesdk.CreateJobRequest{}, err
	}
	var cfgMap map[string]any
	if err := json.Unmarshal(raw, &cfgMap); err != nil {
		return docmigratesdk.CreateJobRequest{}, err
	}
	req := docmigratesdk.CreateJobRequest{
		ID:           id,
		Name:         spec.Name,
		SourceSystem: string(spec.SourceSystem),
		Config:       cfgMap,
	}
	if cred != nil {
		req.Credentials = apiCredentials(*cred)
	}
	return req, nil
}

func apiCredentials(c domain.MigrationCredentials) *docmigratesdk.Credentials {
	return &docmigratesdk.Credentials{
		Scheme:    c.Scheme,
		Secret:    string(c.Ciphertext),
		Scopes:    c.Scopes,
		ExpiresAt: c.ExpiresAt,
	}
}

func jobRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a pending job, or recover one whose driver died, in the foreground",
		Long:  "Runs the job in this process until it completes, fails, or is paused. Interrupt once to pause, twice to abort.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := c.StartJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := runForeground(ctx, a, args[0], func(ctx context.Context) (domain.MigrationJob, error) {
					return a.Engine.Run(ctx, args[0])
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromDomain(job, false), nil) })
			})
		},
	}
	return cmd
}

func jobResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := c.ResumeJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := runForeground(ctx, a, args[0], func(ctx context.Context) (domain.MigrationJob, error) {
					return a.Engine.Resume(ctx, args[0])
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromDomain(job, false), nil) })
			})
		},
	}
	return cmd
}

func jobPauseCmd() *cobra.Command {
	return jobControlCmd("pause", "Ask a running job to pause after in-flight items finish",
		func(ctx context.Context, c *docmigratesdk.Client, id string) (docmigratesdk.Job, error) { return c.PauseJob(ctx, id) },
		func(ctx context.Context, e engine.Engine, id string) (domain.MigrationJob, error) { return e.Pause(ctx, id) })
}

func jobCancelCmd() *cobra.Command {
	return jobControlCmd("cancel", "Cancel a job; completed items stay migrated",
		func(ctx context.Context, c *docmigratesdk.Client, id string) (docmigratesdk.Job, error) { return c.CancelJob(ctx, id) },
		func(ctx context.Context, e engine.Engine, id string) (domain.MigrationJob, error) { return e.Cancel(ctx, id) })
}

func jobControlCmd(
	use, short string,
	viaAPI func(context.Context, *docmigratesdk.Client, string) (docmigratesdk.Job, error),
	local func(context.Context, engine.Engine, string) (domain.MigrationJob, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := viaAPI(cmd.Context(), c, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := local(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				if job.Status.Active() {
					fmt.Fprintf(os.Stderr, "%s requested; the process driving %s applies it at its next control poll\n", use, job.ID)
				}
				return printJSONOrTable(job, func() { printJob(jobFromDomain(job, false), nil) })
			})
		},
	}
}

func jobRetryCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Create a delta job that migrates what a failed or cancelled job left behind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := c.RetryJob(cmd.Context(), args[0], run)
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				if run {
					job, err = runForeground(ctx, a, job.ID, func(ctx context.Context) (domain.MigrationJob, error) {
						return a.Engine.Run(ctx, job.ID)
					})
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(job, func() { printJob(jobFromDomain(job, false), nil) })
			})
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the new job now")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status, cursor string
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.JobStatus(status).Valid() {
				return fmt.Errorf("unknown job status %q", status)
			}
			if c := remote(); c != nil {
				page, err := c.ListJobs(cmd.Context(), status, limit, cursor)
				if err != nil {
					return err
				}
				views := make([]jobView, 0, len(page.Items))
				for _, j := range page.Items {
					views = append(views, jobFromAPI(j))
				}
				return printJSONOrTable(page, func() { printJobs(views, page.NextCursor) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.JobFilters{Status: domain.JobStatus(status), Limit: limit + 1}
				if !all {
					f.OwnerUserID = owner()
				}
				if cursor != "" {
					ts, id, ok := splitCursor(cursor)
					if !ok {
						return fmt.Errorf("invalid cursor %q", cursor)
					}
					f.CursorCreatedAt, f.CursorID = ts, id
				}
				jobs, err := a.Engine.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				next := ""
				if len(jobs) > limit {
					jobs = jobs[:limit]
					ts, id := repo.JobCursor(jobs[limit-1])
					next = ts + "|" + id
				}
				views := make([]jobView, 0, len(jobs))
				for _, j := range jobs {
					views = append(views, jobFromDomain(j, a.Engine.Running(j.ID)))
				}
				return printJSONOrTable(jobs, func() { printJobs(views, next) })
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	cmd.Flags().BoolVar(&all, "all", false, "include jobs of every owner")
	return cmd
}

func splitCursor(c string) (string, string, bool) {
	for i := 0; i < len(c); i++ {
		if c[i] == '|' {
			return c[:i], c[i+1:], i > 0 && i < len(c)-1
		}
	}
	return "", "", false
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its item counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := a.Engine.Repo.CountItemsByStatus(ctx, job.ID)
				if err != nil {
					return err
				}
				out := struct {
					domain.MigrationJob
					ItemCounts map[domain.ItemStatus]int64 `json:"item_counts"`
				}{job, counts}
				return printJSONOrTable(out, func() { printJob(jobFromDomain(job, false), counts) })
			})
		},
	}
	return cmd
}

func jobItemsCmd() *cobra.Command {
	var statuses []string
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:     "items <job-id>",
		Short:   "List job items in discovery order",
		Example: `  dm job items 7c1e... --status failed --status skipped`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				if !domain.ItemStatus(s).Valid() {
					return fmt.Errorf("unknown item status %q", s)
				}
			}
			if c := remote(); c != nil {
				page, err := c.Items(cmd.Context(), args[0], statuses, limit, cursor)
				if err != nil {
					return err
				}
				views := make([]itemView, 0, len(page.Items))
				for _, it := range page.Items {
					views = append(views, itemView{
						ID: it.ID, Path: it.SourcePath, Type: it.Type, Size: it.Size,
						Status: it.Status, Stage: it.Stage, Attempts: it.AttemptCount,
						Error: itemError(it.ErrorCode, it.LastError, it.SkipReason),
					})
				}
				return printJSONOrTable(page, func() { printItems(views, page.NextCursor) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetJob(ctx, args[0]); err != nil {
					return err
				}
				f := repo.ItemFilters{JobID: args[0], Limit: limit}
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, domain.ItemStatus(s))
				}
				if cursor != "" {
					seq, err := strconv.ParseInt(cursor, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid cursor %q", cursor)
					}
					f.AfterSeq = seq
				}
				items, lastSeq, err := a.Engine.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				next := ""
				if len(items) == limit {
					next = strconv.FormatInt(lastSeq, 10)
				}
				views := make([]itemView, 0, len(items))
				for _, it := range items {
					views = append(views, itemView{
						ID: it.ID, Path: it.SourcePath, Type: string(it.Type), Size: it.Size,
						Status: string(it.Status), Stage: string(it.Stage), Attempts: it.AttemptCount,
						Error: itemError(string(it.ErrorCode), it.LastError, it.SkipReason),
					})
				}
				return printJSONOrTable(items, func() { printItems(views, next) })
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "item status filter (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	return cmd
}

func jobCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint <job-id>",
		Short: "Show the last stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				cp, err := c.Checkpoint(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cp)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cp, ok, err := a.Engine.Checkpoints.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %s has no checkpoint: %w", args[0], repo.ErrNotFound)
				}
				return printJSON(cp)
			})
		},
	}
	return cmd
}

func credentialsCmd() *cobra.Command {
	c := &cobra.Command{Use: "credentials", Short: "Source credentials of jobs"}
	c.AddCommand(credentialsImportCmd())
	return c
}

func credentialsImportCmd() *cobra.Command {
	var spec config.CredentialSpec
	cmd := &cobra.Command{
		Use:   "import <job-id>",
		Short: "Replace the source credentials of an unfinished job",
		Long:  "Reads the secret from --secret-env or --secret-file, so it never shows up in shell history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec.SecretEnv == "" && spec.SecretFile == "" {
				return fmt.Errorf("--secret-env or --secret-file required")
			}
			// The source system is filled in from the job.
			cred, err := spec.Load("")
			if err != nil {
				return err
			}
			if c := remote(); c != nil {
				job, err := c.ReplaceCredentials(cmd.Context(), args[0], *apiCredentials(cred))
				if err != nil {
					return err
				}
				return printJSONOrTable(job, func() { printJob(jobFromAPI(job), nil) })
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ReplaceCredentials(ctx, args[0], cred); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("credentials replaced for job %s\n", args[0])
					return nil
				}
				return printJSON(map[string]string{"job_id": args[0], "status": "replaced"})
			})
		},
	}
	cmd.Flags().StringVar(&spec.Scheme, "scheme", "", "credential scheme (default plain)")
	cmd.Flags().StringVar(&spec.SecretEnv, "secret-env", "", "environment variable holding the secret")
	cmd.Flags().StringVar(&spec.SecretFile, "secret-file", "", "file holding the secret")
	cmd.Flags().StringSliceVar(&spec.Scopes, "scope", nil, "granted scopes")
	return cmd
}
