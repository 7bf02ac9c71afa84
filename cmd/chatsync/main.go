package main

import (
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/cmd/chatsync/cmds"
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "chatsync keeps a local view of a chat service in sync over REST and websockets",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cmds.BindFlags(cmd); err != nil {
			return err
		}
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return logging.InitLoggerFromViper()
	},
}

func main() {
	// glazed commands may install hooks of their own
	cobra.EnableTraverseRunHooks = true

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cmds.AddGlobalFlags(rootCmd)
	err := clay.InitViper("chatsync", rootCmd)
	cobra.CheckErr(err)

	err = cmds.AddToRootCommand(rootCmd)
	cobra.CheckErr(err)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
