package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calpull/internal/coordinator"
	appLog "calpull/internal/log"
	"calpull/internal/web"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen    string
	NoInitial bool
}

// NewRunCommand creates the long-running daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync calendars on a schedule and serve snapshots over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override listen address from config")
	cmd.Flags().BoolVar(&opts.NoInitial, "no-initial-sync", false, "wait for the first scheduled cycle instead of syncing at startup")

	return cmd
}

type statusFunc func() []coordinator.CalendarStatus

func (f statusFunc) Status() []coordinator.CalendarStatus { return f() }

func runDaemon(cmd *cobra.Command, opts *RunOptions) error {
	cfg := opts.cfg
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	var coord *coordinator.Coordinator
	srv := web.NewServer(cfg, statusFunc(func() []coordinator.CalendarStatus { return coord.Status() }))
	presenter := coordinator.NewAsyncPresenter(srv)
	defer presenter.Close()
	coord = a.coordinator(presenter)

	// Serve whatever is already stored until the first cycle lands.
	snaps, err := a.buildAll(ctx, a.window(time.Now()))
	if err != nil {
		appLog.Warn("initial snapshot build failed", "error", err)
	}
	for _, snap := range snaps {
		srv.Present(snap.CalendarID(), snap)
	}

	sched, err := coordinator.NewScheduler(coord, cfg.RefreshCron, cfg.Location())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid refresh schedule", err)
	}

	appLog.Info("calpull running",
		"listen", cfg.Listen,
		"refresh", cfg.RefreshCron,
		"calendars", len(cfg.Calendars),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return sched.Run(gctx, !opts.NoInitial) })

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "daemon stopped", err)
	}
	appLog.Info("calpull exiting")
	return nil
}
