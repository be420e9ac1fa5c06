package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"calpull/internal/config"
	appLog "calpull/internal/log"
)

const defaultConfigPath = "/etc/calpull/config.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	// cfg is loaded once in PersistentPreRunE.
	cfg *config.Config
}

// NewRootCommand creates the root command for the calpull CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "calpull",
		Short: "calpull - pull-based calendar sync",
		Long: `calpull keeps a local copy of remote calendars (Google Calendar,
ICS subscriptions) up to date with incremental sync and serves the expanded
agenda as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewVersionCommand(version))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	if err := appLog.Configure(appLog.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding}); err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}
	if o.Verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Debug("effective config",
		"config_path", o.ConfigPath,
		"database", cfg.Database,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"horizon_days", cfg.HorizonDays,
		"calendars", len(cfg.Calendars),
	)
	o.cfg = cfg
	return nil
}

// NewVersionCommand prints the build version.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "calpull", version)
			return err
		},
	}
}
