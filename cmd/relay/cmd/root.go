package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "presence and room relay for realtime collaboration",
	Long: `Relay is a websocket message broker for realtime collaboration:
connected clients join ephemeral rooms and exchange chat, document-update
and presence messages, which the relay routes to the right peers. Clients
authenticate at connect time with a JWT minted by an identity provider
sharing the relay secret.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
