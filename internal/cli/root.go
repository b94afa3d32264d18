// Package cli implements the offlinesync command line.
package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/network"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
)

// RootOptions holds global flags and the resolved configuration.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	Console    bool

	v      *viper.Viper
	cfg    *config.Config
	logger *logging.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline-first entity store with background sync",
		Long: `offlinesync keeps entities in a local SQLite store and pushes them to a
remote backend when the network allows, resolving conflicts on the way.

Configuration is read from a YAML file (--config or OFFLINESYNC_CONFIG),
then OFFLINESYNC_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "path to the YAML config file")
	flags.StringVar(&opts.DataDir, "data-dir", "", "directory holding the database (overrides data_dir)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	flags.BoolVar(&opts.Console, "console", false, "human readable logs on stderr")

	opts.v.SetEnvPrefix("OFFLINESYNC")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()
	for _, name := range []string{"config", "data-dir", "log-level", "console"} {
		_ = opts.v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(
		newSaveCommand(opts),
		newGetCommand(opts),
		newDeleteCommand(opts),
		newListCommand(opts),
		newQueueCommand(opts),
		newSyncCommand(opts),
		newStatsCommand(opts),
		newRetryFailedCommand(opts),
		newPurgeCommand(opts),
		newConflictsCommand(opts),
		newResolveCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// load resolves the configuration and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.v.GetString("config"))
	if err != nil {
		return WrapExitError(ExitConfigError, "load configuration", err)
	}
	if dir := o.v.GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level := o.v.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitConfigError, "invalid configuration", err)
	}

	o.cfg = cfg
	o.logger = logging.Setup(logging.Options{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Console: o.v.GetBool("console"),
		File:    cfg.LogFile,
	})
	return nil
}

// session is an opened store with its engine.
type session struct {
	cfg     *config.Config
	db      *db.DB
	engine  *syncpkg.Engine
	monitor network.Monitor
}

func (s *session) Close() error {
	return s.db.Close()
}

// openSession opens the store and builds the engine. When forceOnline is
// set the network gate sees a wifi connection regardless of probing.
func (o *RootOptions) openSession(ctx context.Context, forceOnline bool) (*session, error) {
	store, database, err := syncpkg.OpenStore(ctx, o.cfg)
	if err != nil {
		return nil, err
	}

	rc, err := syncpkg.NewRemote(ctx, o.cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	monitor := syncpkg.NewMonitor(o.cfg)
	if forceOnline {
		monitor = network.NewManual(network.Status{Connected: true, Class: network.ClassWiFi})
	}

	engine, err := syncpkg.NewEngine(ctx, o.cfg, syncpkg.Deps{
		Store:   store,
		Remote:  rc,
		Monitor: monitor,
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	return &session{cfg: o.cfg, db: database, engine: engine, monitor: monitor}, nil
}
