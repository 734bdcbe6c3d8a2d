package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentchat %s (%s) %s/%s %s\n",
			Version, BuildTime, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
