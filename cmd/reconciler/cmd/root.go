package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dues-reconciliation-service/cmd/reconciler/config"
	"dues-reconciliation-service/internal/reconciler"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/logger"
)

var (
	cfgFile  string
	verbose  bool
	dbPath   string
	actor    string
	logLevel string
	version  = "dev"
	commit   = "unknown"
	date     = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Resident dues reconciliation tool",
	Long: `Reconciler matches bank statement mutations against the resident register
of a housing community and keeps the verification state of every mutation
in a local SQLite store.

Mutations are classified, omitted when they are bank noise, and matched to
residents by payment index, bank alias, name and address. Confident matches
are verified automatically; the rest wait in a review queue for an operator.

Examples:
  reconciler match --statement mutasi.csv --residents warga.csv
  reconciler queue --limit 20
  reconciler decide --tx 3f1c... --decision match --resident r-c11-9
  reconciler stats --from 2024-01-01 --to 2024-03-31 --format json
  reconciler rules list`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "reconciler.db", "path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "operator", "name recorded on operator decisions")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(2)
		}

		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}

	// RECONCILER_ENGINE_MAX_SUGGESTIONS overrides engine.max_suggestions
	viper.SetEnvPrefix("RECONCILER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig resolves the configuration and installs the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if viper.GetBool("verbose") {
		cfg.Log.Level = logger.DebugLevel
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger.SetGlobalLogger(log)
	return cfg, nil
}

// commandContext returns the context of a running command
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// session is an initialized engine over an open store
type session struct {
	cfg    *config.Config
	repo   *storage.SQLiteRepository
	engine *reconciler.VerificationEngine
}

// openSession loads the configuration, opens the store and initializes the
// verification engine from it
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	repo, err := storage.NewSQLiteRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	engine, err := reconciler.NewVerificationEngine(repo, cfg.Engine)
	if err != nil {
		repo.Close()
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		repo.Close()
		return nil, err
	}

	logger.WithComponent("cli").WithFields(logger.Fields{
		"database": cfg.Database,
		"profile":  cfg.MatchingProfile,
	}).Debug("Session opened")
	return &session{cfg: cfg, repo: repo, engine: engine}, nil
}

func (s *session) Close() error {
	return s.repo.Close()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
