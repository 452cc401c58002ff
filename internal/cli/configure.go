package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/memorygraph/internal/config"
	"github.com/harun/memorygraph/internal/observability"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Long: `Write a config file populated with the defaults. Secrets are left empty;
set them in the file or through MEMORYGRAPH_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	observability.RecordConfigAudit(context.Background(), "config_initialized", "cli",
		map[string]interface{}{"path": configPath})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "You can now start memorygraph with: memorygraph serve")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}
