package cmd

import (
	"fmt"

	"github.com/MXWXZ/plugd/config"

	"github.com/spf13/cobra"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show plugd version",
		Run:   version,
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

func version(cmd *cobra.Command, args []string) {
	fmt.Printf("plugd version %v\n", config.Version)
}
