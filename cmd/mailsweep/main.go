package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailsweep/internal/config"
	"github.com/joshsymonds/mailsweep/internal/ops"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/rate"
	"github.com/joshsymonds/mailsweep/internal/runtime"
	"github.com/joshsymonds/mailsweep/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		runtime.DefaultLogger("error").Error("mailsweep failed", "error", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs once flags are parsed.
type app struct {
	envFile string
	flags   *config.Flags

	cfg    config.Config
	logger *slog.Logger
	engine *ops.Engine
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mailsweep",
		Short:         "Bulk Gmail maintenance: mark read, trash, label, archive and export by sender",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "optional dotenv file with MAILSWEEP_* settings")
	a.flags = config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		a.serveCmd(),
		a.authCmd(),
		a.markReadCmd(),
		a.deleteCmd(),
		a.deleteBulkCmd(),
		a.labelCmd(),
		a.archiveCmd(),
		a.importantCmd(),
		a.exportCmd(),
		a.unreadCmd(),
		a.labelsCmd(),
		a.scanCmd(),
		a.unsubscribeCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.envFile, a.flags)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = runtime.DefaultLogger(cfg.LogLevel)

	var limiter rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewTokenBucket(cfg.RPS)
	}
	clients := &runtime.ClientCache{Source: cfg.Credentials, Dir: cfg.ConfigDir}
	a.engine = ops.NewEngine(clients.Get, limiter, a.logger)
	a.engine.ThrottleDelay = cfg.ThrottleDelay
	a.engine.MaxPages = cfg.MaxPages
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API for starting and polling operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := server.New(a.engine, a.logger)
			if err := srv.ListenAndServe(cmd.Context(), a.cfg.Addr); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func (a *app) authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize mailsweep against Gmail and cache the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Credentials != runtime.SourceOAuth {
				return fmt.Errorf("auth only applies to the oauth credential source; run `gmailctl init` for %s", a.cfg.Credentials)
			}
			if err := runtime.Authorize(cmd.Context(), a.cfg.ConfigDir, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("authorize: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Token saved.")
			return err
		},
	}
}

// report prints a terminal status and turns a recorded error into the
// command's error.
func report(w io.Writer, st progress.Status) error {
	if st.Message != "" {
		if _, err := fmt.Fprintln(w, st.Message); err != nil {
			return err
		}
	}
	if st.Error != "" {
		return fmt.Errorf("%s: %s", st.Kind, st.Error)
	}
	return nil
}
