package emulator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

const providerFaultMessage = "provider raised an exception"

// Faasport is the provider under test: it serves one pact request. Both a
// returned error and a panic count as a provider fault.
type Faasport func(ctx context.Context, request pact.Request) (pact.Response, error)

// UnsupportedProviderStateError is returned when an interaction needs a provider
// state the registry cannot satisfy.
type UnsupportedProviderStateError struct {
	Descriptor string
	Message    string
}

func (e *UnsupportedProviderStateError) Error() string {
	return e.Message
}

type Option func(*Emulator)

// WithConcurrency replays up to n interactions of a pact at once. Results keep
// the interaction order regardless.
func WithConcurrency(n int) Option {
	return func(e *Emulator) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(e *Emulator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type Emulator struct {
	registry    *Registry
	faasport    Faasport
	concurrency int
	logger      *log.Entry
	tracer      trace.Tracer
}

func New(registry *Registry, faasport Faasport, opts ...Option) *Emulator {
	e := &Emulator{
		registry:    registry,
		faasport:    faasport,
		concurrency: 1,
		logger:      log.NewEntry(log.StandardLogger()),
		tracer:      otel.Tracer("github.com/zhammer/faaspact-verifier/internal/app/emulator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmulateInteractions replays every interaction of p sequentially.
func EmulateInteractions(ctx context.Context, p *pact.Pact, registry *Registry, faasport Faasport) []pact.EmulatorResult {
	return New(registry, faasport).EmulatePact(ctx, p)
}

// EmulatePact returns one result per interaction, index aligned with
// p.Interactions(). A fault in one interaction never affects another.
func (e *Emulator) EmulatePact(ctx context.Context, p *pact.Pact) []pact.EmulatorResult {
	interactions := p.Interactions()
	results := make([]pact.EmulatorResult, len(interactions))
	logger := e.logger.WithFields(log.Fields{
		"consumer": p.ConsumerName(),
		"provider": p.ProviderName(),
	})

	if e.concurrency <= 1 {
		for i, interaction := range interactions {
			results[i] = e.emulateInteraction(ctx, logger, i, interaction)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, interaction := range interactions {
		i, interaction := i, interaction
		g.Go(func() error {
			results[i] = e.emulateInteraction(ctx, logger, i, interaction)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Emulator) emulateInteraction(ctx context.Context, logger *log.Entry, index int, interaction pact.Interaction) pact.EmulatorResult {
	ctx, span := e.tracer.Start(ctx, "emulate interaction", trace.WithAttributes(
		attribute.Int("interaction.index", index),
		attribute.String("interaction.description", interaction.Description),
	))
	defer span.End()

	logger = logger.WithField("interaction", index)

	resources, err := e.resolve(interaction.ProviderStates)
	if err != nil {
		logger.Warn(err.Error())
		span.SetStatus(codes.Error, err.Error())
		return pact.ErrorResult(err.Error(), "")
	}

	result := e.replay(ctx, logger, interaction.Request, resources)
	if emulatorErr, failed := result.Err(); failed {
		span.SetStatus(codes.Error, emulatorErr.Message)
	}
	return result
}

// resolve maps the interaction's provider states onto fixtures, stopping at
// the first state that cannot be satisfied.
func (e *Emulator) resolve(states []pact.ProviderState) ([]*Resource, error) {
	resources := make([]*Resource, 0, len(states))
	for _, state := range states {
		fixture, ok := e.registry.Lookup(state.Descriptor)
		if !ok {
			return nil, &UnsupportedProviderStateError{
				Descriptor: state.Descriptor,
				Message:    fmt.Sprintf("missing expected provider state: %s", state.Descriptor),
			}
		}
		if len(state.Params) > 0 && !fixture.AcceptsParams(state.Params) {
			return nil, &UnsupportedProviderStateError{
				Descriptor: state.Descriptor,
				Message: fmt.Sprintf(
					"provider state %q params dont match those of provider. expected: %v. actual: %v",
					state.Descriptor, state.ParamNames(), fixture.Params()),
			}
		}
		resources = append(resources, fixture.Resource(state.Descriptor, Params(state.Params)))
	}
	return resources, nil
}

// replay acquires the resources in order, calls the provider and releases
// whatever was acquired in reverse order on every exit path.
func (e *Emulator) replay(ctx context.Context, logger *log.Entry, request pact.Request, resources []*Resource) (result pact.EmulatorResult) {
	acquired := make([]*Resource, 0, len(resources))
	defer func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			err := acquired[i].Release(ctx)
			if err == nil {
				continue
			}
			logger.WithField("provider_state", acquired[i].Descriptor()).Error(err.Error())
			if result.Kind() == pact.ResultResponse {
				result = pact.ErrorResult(err.Error(), fmt.Sprintf("%+v", err))
			}
		}
	}()

	for _, resource := range resources {
		if err := resource.Acquire(ctx); err != nil {
			logger.WithField("provider_state", resource.Descriptor()).Warn(err.Error())
			return pact.ErrorResult(err.Error(), fmt.Sprintf("%+v", err))
		}
		acquired = append(acquired, resource)
	}

	return e.invoke(ctx, logger, request)
}

func (e *Emulator) invoke(ctx context.Context, logger *log.Entry, request pact.Request) (result pact.EmulatorResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warnf("provider panicked: %v", rec)
			result = pact.ErrorResult(providerFaultMessage, fmt.Sprintf("panic: %v\n\n%s", rec, debug.Stack()))
		}
	}()

	if e.faasport == nil {
		return pact.ErrorResult(providerFaultMessage, fmt.Sprintf("%+v", errors.New("no faasport configured")))
	}

	logger.Debugf("calling provider with %s %s", request.Method, request.Path)
	response, err := e.faasport(ctx, request)
	if err != nil {
		logger.Warnf("provider returned an error: %s", err)
		return pact.ErrorResult(providerFaultMessage, fmt.Sprintf("%+v", err))
	}
	return pact.ResponseResult(response)
}
