package cli

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	LogFormat string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "faaspact-verifier",
		Short: "Verify pacts against a faas provider",
		Long: `Fetch the pacts of a provider from a pact broker, replay every interaction
against the provider under its provider states and verify the responses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(opts)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func configureLogging(opts *RootOptions) error {
	switch opts.LogFormat {
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return NewExitError(ExitCommandError, "invalid log format "+opts.LogFormat+": must be text or json")
	}

	log.SetLevel(log.InfoLevel)
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}
