package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saulfrancisco-ruizacevedo/go-relpersist"
)

// Demo describes one demonstration program.
type Demo struct {
	// Name is the command name and the default database file name.
	Name string
	// Short is the one-line description shown in help.
	Short string
	// Long is the help text; empty falls back to Short.
	Long string
	// Model builds the mapping declaration.
	Model func() *relpersist.Model
	// Run seeds, queries and prints. The schema has been recreated when it is called.
	Run func(ctx context.Context, env *Env) error
}

// NewCommand builds the cobra command running d.
func NewCommand(d Demo) *cobra.Command {
	cfg := DefaultConfig(d.Name)
	var (
		configPath string
		logger     *zap.Logger
	)

	cmd := &cobra.Command{
		Use:          d.Name,
		Short:        d.Short,
		Long:         d.Long,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				file := DefaultConfig(d.Name)
				if err := Load(configPath, file); err != nil {
					return err
				}
				mergeFlags(cmd, cfg, file)
				cfg = file
			}

			config := zap.NewProductionConfig()
			if cfg.Verbose {
				config = zap.NewDevelopmentConfig()
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = config.Build()
			if err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, d, cfg, logger, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.StringVar(&cfg.Database.Driver, "driver", cfg.Database.Driver, "database driver (sqlite or postgres)")
	f.StringVar(&cfg.Database.DSN, "dsn", cfg.Database.DSN, "sqlite file or postgres connection string")
	f.BoolVar(&cfg.Database.EchoSQL, "echo-sql", false, "log every generated SQL statement")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&cfg.Metrics, "metrics", false, "print statement counters after the run")
	f.BoolVar(&cfg.Graph, "graph", false, "print tracked entities as a JSON graph")
	f.StringVar(&cfg.Neo4j.URI, "neo4j-uri", "", "mirror the graph to this Neo4j server")
	f.StringVar(&cfg.Neo4j.User, "neo4j-user", cfg.Neo4j.User, "Neo4j user")
	f.StringVar(&cfg.Neo4j.Password, "neo4j-password", "", "Neo4j password")
	f.StringVar(&cfg.Neo4j.Database, "neo4j-db", cfg.Neo4j.Database, "Neo4j database")
	return cmd
}

// mergeFlags copies every flag set on the command line from flags onto file, so the
// command line wins over the configuration file.
func mergeFlags(cmd *cobra.Command, flags, file *Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("driver", func() { file.Database.Driver = flags.Database.Driver })
	set("dsn", func() { file.Database.DSN = flags.Database.DSN })
	set("echo-sql", func() { file.Database.EchoSQL = flags.Database.EchoSQL })
	set("verbose", func() { file.Verbose = flags.Verbose })
	set("metrics", func() { file.Metrics = flags.Metrics })
	set("graph", func() { file.Graph = flags.Graph })
	set("neo4j-uri", func() { file.Neo4j.URI = flags.Neo4j.URI })
	set("neo4j-user", func() { file.Neo4j.User = flags.Neo4j.User })
	set("neo4j-password", func() { file.Neo4j.Password = flags.Neo4j.Password })
	set("neo4j-db", func() { file.Neo4j.Database = flags.Neo4j.Database })
}

func run(ctx context.Context, d Demo, cfg *Config, logger *zap.Logger, cmd *cobra.Command) error {
	env, err := Open(ctx, cfg, d.Model(), logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer env.Close()

	logger.Info("recreating database",
		zap.String("driver", cfg.Database.Driver), zap.String("dsn", cfg.Database.DSN))
	if err := env.Manager.Recreate(ctx); err != nil {
		return err
	}
	if err := d.Run(ctx, env); err != nil {
		return err
	}
	return env.PrintMetrics()
}

// Execute runs d as the program's root command and exits non-zero on failure.
func Execute(d Demo) {
	if err := NewCommand(d).Execute(); err != nil {
		os.Exit(1)
	}
}
