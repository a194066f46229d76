package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hookguard/hookguard/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Hookguard configuration",
		Long: `Manage Hookguard configuration.

Configuration Priority:
  1. HOOKGUARD_* environment variables (highest)
  2. The file given with --config, or HOOKGUARD_CONFIG
  3. ~/.hookguard/config.yaml
  4. Built-in defaults`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigViewCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Long: `Write the built-in defaults to the config file so they can be edited.

An existing file is kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			if _, err := os.Stat(loader.Path()); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", loader.Path())
			}
			if err := loader.Save(config.Default()); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", loader.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after the file and environment overrides are
merged, as YAML.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			cmd.Printf("# %s\n", loader.Path())
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			if _, err := loader.Load(); err != nil {
				return err
			}
			cmd.Printf("✓ %s is valid\n", loader.Path())
			return nil
		},
	}
}
