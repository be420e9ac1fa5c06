package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"calpull/internal/coordinator"
	"calpull/internal/model"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Quiet bool
}

// NewSyncCommand creates the one-shot sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the resulting snapshots",
		Long: `Run one sync cycle over every configured calendar. Each successfully
built snapshot is printed as one JSON line. Exits 1 if any calendar failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print snapshots")

	return cmd
}

// jsonLines writes each presented snapshot as one JSON line.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func newJSONLines(w io.Writer) *jsonLines {
	return &jsonLines{enc: json.NewEncoder(w)}
}

func (j *jsonLines) Present(_ model.CalendarID, snap model.Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(snap); err != nil && j.err == nil {
		j.err = err
	}
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, opts.cfg, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	var presenter coordinator.Presenter = coordinator.PresenterFunc(func(model.CalendarID, model.Snapshot) {})
	out := newJSONLines(cmd.OutOrStdout())
	if !opts.Quiet {
		presenter = out
	}

	res, err := a.coordinator(presenter).RunCycle(ctx)
	for _, st := range res.Calendars {
		line := fmt.Sprintf("%s: %s", st.CalendarID, st.State)
		if st.LastError != "" {
			line += " (" + st.LastError + ")"
		}
		fmt.Fprintln(cmd.ErrOrStderr(), line)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync finished with failures", err)
	}
	if out.err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", out.err)
	}
	return nil
}
