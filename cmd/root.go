package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apkforge/internal/android"
	"apkforge/internal/output"
	"apkforge/internal/refresh"
	"apkforge/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "apkforge",
	Short: "Build orchestrator for Android app-icon/asset resource swaps",
	Long: `apkforge registers Android projects, accepts a resource archive and
a Gradle build task, safely swaps the project's asset packages under git
guard rails, runs the release build, and harvests the resulting APKs.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Build metadata, set by Execute from main.go's linker-injected values.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = fmt.Sprintf("%s (%s, %s)", buildVersion, buildCommit, buildDate)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/apkforge/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "apkforge")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("APKFORGE")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "apkforge")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "apkforge.db"))
	viper.SetDefault("uploads_dir", filepath.Join(defaultConfigDir, "uploads"))
	viper.SetDefault("staging_dir", filepath.Join(defaultConfigDir, "staging"))
	viper.SetDefault("snapshots_dir", filepath.Join(defaultConfigDir, "snapshots"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("max_concurrent_tasks", 3)
	viper.SetDefault("task_timeout_minutes", 30)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store, runtime, and pipeline are initialized lazily — only when a
	// command actually needs them. This lets config/version commands
	// run without a db.
}

// rootRun handles `apkforge` with no subcommand: refresh all tracked
// projects and show a summary table.
func rootRun(cmd *cobra.Command) error {
	s, err := getStore()
	if err != nil {
		return cmd.Help()
	}

	ctx := context.Background()
	result, err := refresh.All(ctx, s, android.NewAnalyzer())
	if err == nil && result.Refreshed > 0 {
		ui.VerboseLog("Refreshed %d/%d projects", result.Refreshed, result.Total)
	}

	return projectListRun()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
