package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/clubrota/calsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create and inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write the effective settings (defaults, environment and flags) to the
config file. The format follows the file extension: .yaml, .yml or .toml.

Example:
  calsync config init --base-url https://club.example/api --user 42 --token $TOKEN`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath(cmd)

		if _, err := os.Stat(path); err == nil && !force {
			exitf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			exitf("failed to check %s: %v", path, err)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			exitf("%v", err)
		}
		if err := config.Save(path, cfg); err != nil {
			exitf("%v", err)
		}
		fmt.Printf("✓ Wrote %s\n", path)
		if cfg.UserID == 0 {
			fmt.Println("  Set user_id before syncing (calsync config init --force --user <id>).")
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig(cmd)
		if err != nil {
			exitf("%v", err)
		}
		if cfg.API.Token != "" {
			cfg.API.Token = "********"
		}
		data, err := config.Marshal("config."+format, cfg)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("# %s\n%s", configPath(cmd), data)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().String("format", "yaml", "yaml or toml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
