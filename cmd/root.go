package cmd

import (
	"github.com/MXWXZ/plugd/config"
	"github.com/MXWXZ/plugd/utils/log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "plugd",
	Short: "Sandboxed plugin runtime",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Load(conf, verbose); err != nil {
			log.NewEntry(err).Fatal("Failed to load config")
		}
		setupLog()
		config.CheckSetting()
	},
	SilenceUsage: true,
}

var (
	conf    string
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&conf, "conf", "c", "conf.yml", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose")
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}
