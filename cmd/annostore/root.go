package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "annostore",
		Short:         "Command-line client for an annotation store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.storeURL, "store", "", "Store base URL (overrides STORE_BASE_URL)")
	flags.StringVarP(&ctx.username, "user", "u", "", "Store username (overrides STORE_USERNAME)")
	flags.BoolVar(&ctx.jsonOutput, "json", false, "Print JSON instead of tables")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "Log store requests to stderr")

	rootCmd.AddCommand(newTaskCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newMatchCommand(ctx))

	return rootCmd
}
