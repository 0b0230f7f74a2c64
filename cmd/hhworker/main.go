package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := log.New(os.Stdout, "[hh-worker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)

	root := &cobra.Command{
		Use:           "hhworker",
		Short:         "hh.ru candidate qualification worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(logger),
		newRefreshTokenCommand(logger),
		newAddRecruiterCommand(logger),
		newSetLimitCommand(logger),
		newMigrateCommand(logger),
		newWatchCommand(logger),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hhworker %s\n", version)
		},
	}
}
