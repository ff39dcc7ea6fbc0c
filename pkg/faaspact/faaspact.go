// Package faaspact verifies a Go provider against its pacts from within the
// provider's own test suite, or drives a verifier running as a webhook server.
package faaspact

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/broker"
	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
	"github.com/zhammer/faaspact-verifier/internal/app/notification"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
	"github.com/zhammer/faaspact-verifier/internal/app/verifier"
)

type (
	Request  = pact.Request
	Response = pact.Response
	Params   = emulator.Params
)

// Faasport invokes the provider for one pact request.
type Faasport func(ctx context.Context, request Request) (Response, error)

// SetupFunc puts the provider into a state. The returned teardown may be nil.
type SetupFunc func(ctx context.Context, params Params) (teardown func(ctx context.Context) error, err error)

// ProviderStates collects the provider states a provider supports.
type ProviderStates struct {
	builder *emulator.RegistryBuilder
}

func NewProviderStates() *ProviderStates {
	return &ProviderStates{builder: emulator.NewRegistryBuilder()}
}

// Register adds a provider state. params must list every parameter the state
// accepts: an interaction only matches when it supplies exactly this set.
func (s *ProviderStates) Register(descriptor string, setup SetupFunc, params ...string) error {
	if setup == nil {
		return errors.Errorf("provider state %q has no setup", descriptor)
	}
	acquire := func(ctx context.Context, p emulator.Params) (emulator.ReleaseFunc, error) {
		teardown, err := setup(ctx, p)
		if err != nil || teardown == nil {
			return nil, err
		}
		return emulator.ReleaseFunc(teardown), nil
	}
	return s.builder.Register(descriptor, emulator.NewFixture(acquire, params...))
}

// MustRegister is Register panicking on error, for package-level setup.
func (s *ProviderStates) MustRegister(descriptor string, setup SetupFunc, params ...string) *ProviderStates {
	if err := s.Register(descriptor, setup, params...); err != nil {
		panic(err)
	}
	return s
}

func (s *ProviderStates) registry() *emulator.Registry {
	if s == nil {
		return emulator.NewRegistryBuilder().Build()
	}
	return s.builder.Build()
}

type Options struct {
	BrokerHost      string
	BrokerUsername  string
	BrokerPassword  string
	Provider        string
	ProviderVersion string
	PublishResults  bool
	// FailOn defaults to master.
	FailOn []string
	// FetchTags defaults to master.
	FetchTags      []string
	Concurrency    int
	ProviderStates *ProviderStates
	Faasport       Faasport
	// Out receives the rendered results, os.Stdout when nil.
	Out io.Writer
}

func (o Options) validate() error {
	switch {
	case o.BrokerHost == "":
		return errors.New("missing broker host")
	case o.Provider == "":
		return errors.New("missing provider")
	case o.Faasport == nil:
		return errors.New("missing faasport")
	case o.PublishResults && o.ProviderVersion == "":
		return errors.New("publishing results requires a provider version")
	}
	return nil
}

// Verify fetches the provider's pacts, replays them through opts.Faasport and
// reports whether no failing pact carries a fail-on tag. A failure to publish
// results is returned alongside the outcome.
func Verify(ctx context.Context, opts Options) (bool, error) {
	if err := opts.validate(); err != nil {
		return false, err
	}

	failOn := opts.FailOn
	if len(failOn) == 0 {
		failOn = []string{"master"}
	}
	fetchTags := opts.FetchTags
	if len(fetchTags) == 0 {
		fetchTags = []string{"master"}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	repository := broker.New(opts.BrokerHost, opts.BrokerUsername, opts.BrokerPassword,
		broker.WithFetchTags(fetchTags...))
	notifier := notification.Multi{
		notification.NewConsole(out),
		notification.NewLogger(log.WithField("provider", opts.Provider)),
	}
	runner := verification.NewRunner(repository, verifier.NewAdapter(nil), notifier,
		verification.WithConcurrency(opts.Concurrency))

	return runner.Run(ctx, verification.Job{
		Provider:        opts.Provider,
		ProviderVersion: opts.ProviderVersion,
		Registry:        opts.ProviderStates.registry(),
		Faasport:        emulator.Faasport(opts.Faasport),
		Publish:         opts.PublishResults,
		FailOn:          pact.NewTags(failOn...),
	})
}
