package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and BuildTime are overridden at build time with
// -ldflags "-X github.com/collabd/relay/cmd/relay/cmd.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func versionString() string {
	return Version + " (built " + BuildTime + ")"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
