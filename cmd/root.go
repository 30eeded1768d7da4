package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpdrop/conference/internal/ui"
	"github.com/BioHazard786/Warpdrop/conference/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conference",
	Short: "Group video call signaling server backed by a media engine",
	Long: `conference is a signaling server for multi-party video calls. Browsers connect
over a WebSocket, join named rooms, and negotiate media with a shared pipeline
on a Kurento Media Server or on the built-in pion engine.`,
	Version: version.Version,
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
