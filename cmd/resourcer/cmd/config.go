package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change resourcer configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the resolved configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		keys := settings.AllKeys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, settings.Get(k))
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !settings.IsSet(args[0]) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not set")
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), settings.Get(args[0]))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value in the config file",
	Long: `Set a configuration value. The file named by --config, or the file that
was loaded, is rewritten; otherwise ./resourcer.yaml is created.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		settings.Set(key, value)

		path := settings.ConfigFileUsed()
		if path == "" {
			path = "resourcer.yaml"
		}
		if err := settings.WriteConfigAs(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s to %s in %s\n", key, value, path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
