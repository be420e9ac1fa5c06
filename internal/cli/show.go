package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"calpull/internal/model"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Calendar string
	At       string
}

// NewShowCommand creates the offline snapshot command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print snapshots built from the local store without syncing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Calendar, "calendar", "", "only show this calendar id")
	cmd.Flags().StringVar(&opts.At, "at", "", "RFC3339 reference time for the window (default now)")

	return cmd
}

func runShow(cmd *cobra.Command, opts *ShowOptions) error {
	ctx := cmd.Context()

	now := time.Now()
	if opts.At != "" {
		t, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
		now = t
	}

	if opts.Calendar != "" {
		if !hasCalendar(opts.cfg.Calendars, opts.Calendar) {
			return &ExitError{Code: ExitCommandError, Message: "unknown calendar " + opts.Calendar}
		}
	}

	a, err := openApp(ctx, opts.cfg, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer a.Close()

	window := a.window(now.In(opts.cfg.Location()))
	snaps, err := a.buildAll(ctx, window)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build snapshot", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, snap := range snaps {
		if opts.Calendar != "" && snap.CalendarID() != model.CalendarID(opts.Calendar) {
			continue
		}
		if err := enc.Encode(snap); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}
	return nil
}
