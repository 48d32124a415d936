package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "apkforge"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage apkforge configuration.

Running bare 'apkforge config' is the same as 'apkforge config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# apkforge configuration
# See: apkforge config show (for effective values and sources)

# State/data directory (default: ~/.config/apkforge)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/apkforge/apkforge.db)
# db_path: {{ .DBPath }}

# Directory incoming resource archives are uploaded to before staging
# uploads_dir: {{ .UploadsDir }}

# Directory each build task extracts its archive into
# staging_dir: {{ .StagingDir }}

# Directory git safety snapshots (tarballs) are written to
# snapshots_dir: {{ .SnapshotsDir }}

# HTTP API port for 'apkforge serve' (default: 8080)
# port: {{ .Port }}

# Maximum build tasks the Task Runtime admits concurrently (default: 3)
# max_concurrent_tasks: {{ .MaxConcurrentTasks }}

# Minutes a task may run after admission before it fails with Timeout (default: 30)
# task_timeout_minutes: {{ .TaskTimeoutMinutes }}

# Failure diagnosis
anthropic:
  # API key for Claude-based build failure diagnosis. Empty disables it.
  api_key: "{{ .AnthropicAPIKey }}"

  # Model used for diagnosis
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	UploadsDir         string
	StagingDir         string
	SnapshotsDir       string
	Port               int
	MaxConcurrentTasks int
	TaskTimeoutMinutes int
	AnthropicAPIKey    string
	AnthropicModel     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		UploadsDir:         viper.GetString("uploads_dir"),
		StagingDir:         viper.GetString("staging_dir"),
		SnapshotsDir:       viper.GetString("snapshots_dir"),
		Port:               viper.GetInt("port"),
		MaxConcurrentTasks: viper.GetInt("max_concurrent_tasks"),
		TaskTimeoutMinutes: viper.GetInt("task_timeout_minutes"),
		AnthropicAPIKey:    viper.GetString("anthropic.api_key"),
		AnthropicModel:     viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "APKFORGE_STATE_DIR"},
	{Key: "db_path", EnvVar: "APKFORGE_DB_PATH"},
	{Key: "uploads_dir", EnvVar: "APKFORGE_UPLOADS_DIR"},
	{Key: "staging_dir", EnvVar: "APKFORGE_STAGING_DIR"},
	{Key: "snapshots_dir", EnvVar: "APKFORGE_SNAPSHOTS_DIR"},
	{Key: "port", EnvVar: "APKFORGE_PORT"},
	{Key: "max_concurrent_tasks", EnvVar: "APKFORGE_MAX_CONCURRENT_TASKS"},
	{Key: "task_timeout_minutes", EnvVar: "APKFORGE_TASK_TIMEOUT_MINUTES"},
	{Key: "anthropic.api_key", EnvVar: "APKFORGE_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "APKFORGE_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'apkforge config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
