package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/kbindex/configs"
	"github.com/Aman-CERP/kbindex/internal/config"
	"github.com/Aman-CERP/kbindex/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the user and project configuration files.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/kbindex/config.yaml)
  3. Project config (.kbindex.yaml in --config-dir)
  4. Environment variables (KBINDEX_*)`,
		Example: `  # Create user config from template
  kbindex config init

  # Create .kbindex.yaml for the knowledge base in the current directory
  kbindex config init --project

  # Show effective configuration
  kbindex config show

  # Print user config file path
  kbindex config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		project bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from a template",
		Long: `Create the user configuration file, or with --project the .kbindex.yaml
file in --config-dir.

With --force an existing file is backed up and rewritten with its current
values plus defaults for any new settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, project, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Back up and rewrite an existing configuration")
	cmd.Flags().BoolVar(&project, "project", false, "Create .kbindex.yaml in --config-dir instead of the user config")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long: `Show the configuration after merging all sources, or a single source
with --source.`,
		Example: `  kbindex config show
  kbindex config show --json
  kbindex config show --source project`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, source)
		},
	}

	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged, user, project, defaults")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	var project bool

	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()
			if project {
				path = config.ProjectConfigPath(configDir)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}

	cmd.Flags().BoolVar(&project, "project", false, "Print the project config path")

	return cmd
}

func runConfigInit(cmd *cobra.Command, project, force bool) error {
	out := output.New(cmd.OutOrStdout())

	path := config.GetUserConfigPath()
	template := configs.UserConfigTemplate
	if project {
		path = config.ProjectConfigPath(configDir)
		template = configs.ProjectConfigTemplate
	}

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.Statusf("📁", "Location: %s", path)
			out.Newline()
			out.Status("💡", "Use --force to rewrite it with new defaults (a backup is kept)")
			return nil
		}
		return runConfigUpgrade(out, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.Statusf("📁", "Location: %s", path)
	out.Newline()
	out.Status("📋", "Next steps:")
	out.Status("", "  1. Edit the file to customize settings")
	out.Status("", "  2. Run 'kbindex config show' to verify")

	return nil
}

// runConfigUpgrade backs up path and rewrites it with its own values over
// the defaults.
func runConfigUpgrade(out *output.Writer, path string) error {
	backupPath, err := config.BackupConfigFile(path)
	if err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	if err := cfg.WriteYAML(path); err != nil {
		return fmt.Errorf("failed to write upgraded config: %w", err)
	}

	out.Success("Configuration upgraded")
	out.Statusf("📁", "Location: %s", path)
	out.Statusf("💾", "Backup: %s", backupPath)
	return nil
}

// readConfigFile parses one file over the defaults, without merging other sources.
func readConfigFile(path string) (*config.Config, error) {
	cfg := config.NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func runConfigShow(cmd *cobra.Command, source string) error {
	out := newWriter(cmd)

	var (
		cfg  *config.Config
		desc string
		err  error
	)
	switch source {
	case "merged":
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		desc = "merged (defaults + user + project + env)"
	case "user", "project":
		path := config.GetUserConfigPath()
		if source == "project" {
			path = config.ProjectConfigPath(configDir)
		}
		if _, statErr := os.Stat(path); statErr != nil {
			out.Warningf("No %s configuration file found", source)
			out.Statusf("📁", "Expected at: %s", path)
			return nil
		}
		cfg, err = readConfigFile(path)
		if err != nil {
			return err
		}
		desc = fmt.Sprintf("%s (%s)", source, path)
	case "defaults":
		cfg = config.NewConfig()
		desc = "defaults"
	default:
		return fmt.Errorf("unknown source %q (use merged, user, project or defaults)", source)
	}

	if out.IsJSON() {
		return out.JSON(cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# Source: %s\n", desc)
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
