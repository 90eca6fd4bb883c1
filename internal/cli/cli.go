package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/raysh454/lucid/internal/app"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/registry"
	"github.com/raysh454/lucid/internal/server"
)

// Options are the flags shared by every command.
type Options struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand builds the lucid command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:   "lucid",
		Short: "Detect silent web outages and remediate them by dreaming fixes in a sandbox",
		Long: `lucid drives a real browser through each site's critical flows. When a flow
silently breaks it diagnoses the page, tries every candidate fix in isolated
browser sessions, scores the outcomes and dispatches the winning remediation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file (LUCID_* env vars override it)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newProfilesCommand(opts))
	return root
}

func (o *Options) load() (*app.Config, error) {
	cfg, err := app.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, nil
}

func newLogger(cfg *app.Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func newServeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *app.Config, logger logging.Logger) error {
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := application.Start(); err != nil {
		return err
	}

	srv := server.NewServer(cfg.Server, application.Orch, application.Gatherer, logger)
	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Field{Key: "addr", Value: httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Field{Key: "error", Value: err.Error()})
	}
	return errors.Join(serveErr, application.Shutdown(shutdownCtx))
}

func newRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <profile-slug>",
		Short: "Run one perception and remediation cycle and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// the report owns stdout; keep logs on stderr at warn and above
			if opts.LogLevel == "" {
				cfg.Log.Level = "warn"
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.NewApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(context.WithoutCancel(ctx)) }()

			report, runErr := application.Orch.RunCycle(ctx, args[0])
			if report != nil {
				if err := writeReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if report.Phase == model.PhaseUnresolved || report.Phase == model.PhaseNoViableStrategy {
				return fmt.Errorf("cycle ended %s", report.Phase)
			}
			return nil
		},
	}
}

func writeReport(w io.Writer, report *app.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func newProfilesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the site profiles in registry.dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.Registry.Dir, logging.NewNop())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tURL\tFLOWS\tACTION")
			for _, p := range reg.List() {
				action := string(p.Remediation.Action)
				if action == "" {
					action = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.Slug, p.Name, p.URL, len(p.CriticalFlows), action)
			}
			return tw.Flush()
		},
	}
}
