package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/domain"
	"docmigrate/internal/logging"
	"docmigrate/internal/server"
	docmigratesdk "docmigrate/sdk/go"
)

var (
	cfg      config.Config
	logger   = zap.NewNop()
	flushLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "dm",
	Short: "Document migration CLI",
	Long: `dm moves files, folders and their permissions from a source document system
into the target store.
Core concepts:
- Job: one migration from a source location to a target location. Statuses go
  pending -> discovering -> running -> completed; paused, failed and cancelled
  are the other exits.
- Item: one discovered file or folder. Each item passes the stages
  pre_check, transfer, index, acl_apply, verify and finalize.
- Checkpoint: the resume point stored while a job runs. Pause, crash or
  restart continue from it; completed items are never migrated twice.
- Identity mapping: how a source user or group becomes a target principal.
  Unmapped principals follow the job's unmapped policy.
- Retry: a new delta-mode job that migrates what a failed or cancelled job
  left behind.
- Audit: the append-only log of everything that happened, view it with
  'dm audit tail'.
Commands talk to the local workspace database, or to a running 'dm serve'
when --server is set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(viper.GetViper(), viper.GetString("config"))
		if err != nil {
			return err
		}
		cfg = loaded
		l, flush, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		logger, flushLog = l, flush
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		flushLog()
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		flushLog()
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default ./docmigrate.yaml)")
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "", "API base URL; commands go through the API instead of the workspace")
	flags.String("token", "", "bearer token for --server")
	flags.String("owner", "local", "owner user id for submitted jobs and imports")
	flags.String("log-level", "", "log level override")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	// "server" is a config section, so the URL lives under another key.
	_ = viper.BindPFlag("remote", flags.Lookup("server"))
	_ = viper.BindPFlag("token", flags.Lookup("token"))
	_ = viper.BindPFlag("owner", flags.Lookup("owner"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var recoverJobs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the migration API, runs the notification relay and picks up jobs whose previous driver died.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rl, err := a.Relay()
			if err != nil {
				return err
			}
			relayDone := make(chan struct{})
			if rl != nil {
				go func() {
					defer close(relayDone)
					if err := rl.Run(ctx); err != nil {
						logger.Warn("relay stopped", zap.Error(err))
					}
				}()
			} else {
				close(relayDone)
			}

			if recoverJobs {
				ids, err := a.RecoverInterrupted(ctx)
				if err != nil {
					return err
				}
				if len(ids) > 0 {
					logger.Info("recovered interrupted jobs", zap.Strings("job_ids", ids))
				}
			}

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Metrics:  a.MetricsHandler(),
				Log:      logger.Named("server"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			if cfg.Server.JWTSecret == "" {
				logger.Warn("bearer auth disabled; every request acts as the default owner", zap.String("owner", server.DefaultOwner))
			}
			fmt.Printf("Serving docmigrate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CallTimeout+30*time.Second)
			defer cancel()
			paused, err := a.Drain(drainCtx)
			if len(paused) > 0 {
				logger.Info("paused running jobs", zap.Strings("job_ids", paused))
			}
			<-relayDone
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&recoverJobs, "recover", true, "restart jobs left discovering or running by a dead process")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cfg
			if out.Server.JWTSecret != "" {
				out.Server.JWTSecret = "<redacted>"
			}
			hooks := make([]config.WebhookConfig, len(out.Relay.Webhooks))
			for i, h := range out.Relay.Webhooks {
				if h.Secret != "" {
					h.Secret = "<redacted>"
				}
				hooks[i] = h
			}
			out.Relay.Webhooks = hooks
			return printJSON(out)
		},
	})
	return c
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// remote returns an API client when --server is set.
func remote() *docmigratesdk.Client {
	base := viper.GetString("remote")
	if base == "" {
		return nil
	}
	c := docmigratesdk.New(base)
	if cfg.Server.BasePath != "" {
		c.BasePath = cfg.Server.BasePath
	}
	c.BearerToken = viper.GetString("token")
	return c
}

func owner() string {
	if o := viper.GetString("owner"); o != "" {
		return o
	}
	return server.DefaultOwner
}

// runForeground drives a job in this process. The first interrupt asks the
// job to pause, the second aborts the run.
func runForeground(ctx context.Context, a *app.App, jobID string, run func(context.Context) (domain.MigrationJob, error)) (domain.MigrationJob, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		pausing := false
		for {
			select {
			case <-runCtx.Done():
				return
			case <-sigs:
				if pausing {
					fmt.Fprintln(os.Stderr, "aborting run")
					cancel()
					return
				}
				pausing = true
				fmt.Fprintln(os.Stderr, "pausing; items in flight finish first (interrupt again to abort)")
				if _, err := a.Engine.Pause(runCtx, jobID); err != nil {
					logger.Warn("pause", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return run(runCtx)
}
