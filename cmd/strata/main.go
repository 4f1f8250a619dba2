// Command strata builds, materializes and distributes layered images.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stratoreg/strata/configuration"
	"github.com/stratoreg/strata/version"
)

var (
	configPath string
	config     *configuration.Configuration
)

func main() {
	root := &cobra.Command{
		Use:          "strata",
		Short:        "Content-addressed layered images for static data",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configuration.Load(configPath)
			if err != nil {
				return err
			}
			level, err := cfg.ParseLogLevel()
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			config = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	root.AddCommand(
		buildCommand(),
		unpackCommand(),
		removeUnpackingCommand(),
		unpackingsCommand(),
		imagesCommand(),
		inspectCommand(),
		contentsCommand(),
		tagCommand(),
		removeCommand(),
		pushCommand(),
		pullCommand(),
		loginCommand(),
		gcCommand(),
		registryCommand(),
		versionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Package, version.Version)
		},
	}
}
