package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/telemetry"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
)

// VerifyOptions holds the flags of the verify command. Unset flags fall back
// to the environment.
type VerifyOptions struct {
	Host            string
	Username        string
	Password        string
	Provider        string
	FaasportURL     string
	ProviderStates  string
	ProviderVersion string
	PublishResults  bool
	FailOn          []string
	FetchTags       []string
	PullRequest     string
	Concurrency     int
	HistoryDB       string
}

func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the provider's pacts",
		Long: `Fetch the latest pacts of a provider from the pact broker, replay each
interaction against the faasport under its provider states and verify the
responses. Exits 1 when a failing pact carries one of the failon tags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd.Context(), cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runVerify(cmd, config, opts.PullRequest)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Host, "host", "", "pact broker host (env PACT_BROKER_HOST)")
	flags.StringVar(&opts.Username, "username", "", "pact broker username (env PACT_BROKER_USERNAME)")
	flags.StringVar(&opts.Password, "password", "", "pact broker password (env PACT_BROKER_PASSWORD)")
	flags.StringVarP(&opts.Provider, "provider", "p", "", "provider name (env PACT_PROVIDER)")
	flags.StringVarP(&opts.FaasportURL, "faasport-url", "f", "", "base url of the deployed provider (env FAASPORT_URL)")
	flags.StringVar(&opts.ProviderStates, "provider-states", "", "yaml file describing provider states (env PROVIDER_STATES_FILE)")
	flags.StringVar(&opts.ProviderVersion, "provider-version", "", "provider version, defaults to the current git revision (env PROVIDER_VERSION)")
	flags.BoolVar(&opts.PublishResults, "publish-results", false, "publish verification results to the broker (env PUBLISH_RESULTS)")
	flags.StringArrayVar(&opts.FailOn, "failon", nil, "fail the job when a pact with this tag fails, repeatable. Replaces the FAILON list (default master) instead of adding to it, so repeat --failon master to keep it")
	flags.StringArrayVar(&opts.FetchTags, "fetch-tag", nil, "also fetch the latest pacts with this tag, repeatable. Replaces the BROKER_FETCH_TAGS list (default master) instead of adding to it")
	flags.StringVar(&opts.PullRequest, "pull-request", "", "github pull request whose feature-pacts are added to the failon tags")
	flags.IntVar(&opts.Concurrency, "concurrency", 1, "interactions replayed at once (env CONCURRENCY)")
	flags.StringVar(&opts.HistoryDB, "history-db", "", "sqlite file recording every run (env HISTORY_DB)")

	return cmd
}

// loadConfig reads the environment and overrides it with the flags the user
// set explicitly.
func loadConfig(ctx context.Context, flags *pflag.FlagSet, opts *VerifyOptions) (configuration.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	config, err := configuration.NewFromEnv(ctx)
	if err != nil {
		return config, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	overrides := map[string]func(){
		"host":             func() { config.BrokerHost = opts.Host },
		"username":         func() { config.BrokerUsername = opts.Username },
		"password":         func() { config.BrokerPassword = opts.Password },
		"provider":         func() { config.Provider = opts.Provider },
		"faasport-url":     func() { config.FaasportURL = opts.FaasportURL },
		"provider-states":  func() { config.ProviderStatesFile = opts.ProviderStates },
		"provider-version": func() { config.ProviderVersion = opts.ProviderVersion },
		"publish-results":  func() { config.PublishResults = opts.PublishResults },
		"failon":           func() { config.FailOn = opts.FailOn },
		"fetch-tag":        func() { config.BrokerFetchTags = opts.FetchTags },
		"concurrency":      func() { config.Concurrency = opts.Concurrency },
		"history-db":       func() { config.HistoryDB = opts.HistoryDB },
	}
	for name, override := range overrides {
		if flags.Changed(name) {
			override()
		}
	}

	if err := config.Validate(); err != nil {
		return config, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return config, nil
}

func runVerify(cmd *cobra.Command, config configuration.Config, pullRequest string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	shutdown, err := telemetry.Setup(ctx, "faaspact-verifier", config.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "unable to set up tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warnf("unable to flush traces. %s", err)
		}
	}()

	store, err := openHistory(config.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := newJob(ctx, config, pullRequest)
	if err != nil {
		return err
	}

	succeeded, err := newRunner(config, store, cmd.OutOrStdout()).Run(ctx, job)
	var publishErr *verification.PublishError
	switch {
	case errors.As(err, &publishErr):
		return WrapExitError(ExitFailure, "verification results were not published", err)
	case err != nil:
		return WrapExitError(ExitFailure, "verification did not run", err)
	case !succeeded:
		return NewExitError(ExitFailure, "verification failed")
	}
	return nil
}

func openHistory(path string) (*history.Store, error) {
	if path == "" {
		return nil, nil
	}
	store, err := history.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "unable to open run history", err)
	}
	return store, nil
}
