package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/slidecast/slidecast/internal/ui"
	"github.com/slidecast/slidecast/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "slidecast",
	Version: version.Version,
	Short:   "Live presentation sync over direct peer connections",
	Long: `Slidecast broadcasts live presentation state (slide position, pointer
clicks, arbitrary key/value events) from one presenter to many viewers over
direct peer connections. A small relay server is only used to exchange the
connection-setup handshakes; once negotiated, frames flow peer to peer.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
