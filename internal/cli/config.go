package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/titan-data/titan/pkg/config"
	"github.com/titan-data/titan/pkg/errclass"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the titan configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return output(cfg, func() {
			printf("data_dir:         %s\n", cfg.DataDir)
			printf("metadata:         %s\n", cfg.MetadataPath())
			printf("context:          %s\n", cfg.Context.Provider)
			printProperties("  ", stringProps(cfg.Context.Properties))
			printf("reaper.max_passes: %d\n", cfg.Reaper.MaxPasses)
			printf("logging.level:    %s\n", cfg.Logging.Level)
			printf("metrics:          %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Address)
			printf("audit:            %s\n", cfg.AuditPath())
			printf("webhooks:         %d\n", len(cfg.Webhooks))
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default titan.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = filepath.Join(config.Default().DataDir, config.FileName)
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return errclass.ErrObjectExists.WithMessagef("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.Default()
		var err error
		if configPath != "" {
			if cfg.DataDir, err = filepath.Abs(filepath.Dir(path)); err != nil {
				return err
			}
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		return output(map[string]string{"path": path}, func() {
			printf("Wrote %s\n", path)
		})
	},
}

func stringProps(props map[string]string) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
