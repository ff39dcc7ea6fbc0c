package cli

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/broker"
	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
	"github.com/zhammer/faaspact-verifier/internal/app/faasport"
	"github.com/zhammer/faaspact-verifier/internal/app/github"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/notification"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
	"github.com/zhammer/faaspact-verifier/internal/app/providerstate"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
	"github.com/zhammer/faaspact-verifier/internal/app/verifier"
)

// gitRevision resolves the provider version when none is configured.
var gitRevision = func(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "", errors.Wrap(err, "unable to read git revision")
	}
	return strings.TrimSpace(string(out)), nil
}

// newRunner wires the broker, the rule verifier and the notifiers for config.
func newRunner(config configuration.Config, store *history.Store, out io.Writer) *verification.Runner {
	repository := broker.New(config.BrokerHost, config.BrokerUsername, config.BrokerPassword,
		broker.WithHTTPClient(&http.Client{Timeout: config.HTTPTimeout}),
		broker.WithRetry(config.BrokerRetryAttempts, config.BrokerRetryDelay),
		broker.WithFetchTags(config.BrokerFetchTags...),
	)

	notifiers := notification.Multi{
		notification.NewConsole(out),
		notification.NewLogger(log.WithField("provider", config.Provider)),
	}
	if store != nil {
		notifiers = append(notifiers, notification.NewRecorder(store))
	}

	return verification.NewRunner(repository, verifier.NewAdapter(nil), notifiers,
		verification.WithConcurrency(config.Concurrency))
}

// newJob builds the job for one run. pullRequest, when set, adds the PR's
// feature pacts to the fail-on tags.
func newJob(ctx context.Context, config configuration.Config, pullRequest string) (verification.Job, error) {
	providerVersion := config.ProviderVersion
	if providerVersion == "" {
		revision, err := gitRevision(ctx)
		if err != nil {
			return verification.Job{}, WrapExitError(ExitCommandError, "unable to determine provider version", err)
		}
		providerVersion = revision
	}

	registry, err := loadRegistry(config)
	if err != nil {
		return verification.Job{}, WrapExitError(ExitCommandError, "unable to load provider states", err)
	}

	failOn, err := failOnTags(ctx, config, pullRequest)
	if err != nil {
		return verification.Job{}, err
	}

	client := faasport.New(config.FaasportURL, faasport.WithTimeout(config.HTTPTimeout))
	return verification.Job{
		Provider:        config.Provider,
		ProviderVersion: providerVersion,
		Registry:        registry,
		Faasport:        client.Invoke,
		Publish:         config.PublishResults,
		FailOn:          failOn,
	}, nil
}

func loadRegistry(config configuration.Config) (*emulator.Registry, error) {
	builder := emulator.NewRegistryBuilder()
	if config.ProviderStatesFile == "" {
		return builder.Build(), nil
	}
	file, err := providerstate.Load(config.ProviderStatesFile)
	if err != nil {
		return nil, err
	}
	if err := file.Register(builder, &http.Client{Timeout: config.HTTPTimeout}); err != nil {
		return nil, err
	}
	registry := builder.Build()
	log.Debugf("loaded %d provider states from %s", registry.Len(), config.ProviderStatesFile)
	return registry, nil
}

func failOnTags(ctx context.Context, config configuration.Config, pullRequest string) (pact.Tags, error) {
	failOn := config.FailOnTags()
	if pullRequest == "" {
		return failOn, nil
	}

	opts := []github.Option{github.WithToken(config.GithubToken)}
	if config.GithubAPIURL != "" {
		opts = append(opts, github.WithBaseURL(config.GithubAPIURL))
	}
	featurePacts, err := github.New(opts...).FetchFeaturePacts(ctx, pullRequest)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "unable to read feature pacts", err)
	}
	log.Infof("failing on feature pacts %v from %s", featurePacts.Sorted(), pullRequest)
	return failOn.Union(featurePacts), nil
}
