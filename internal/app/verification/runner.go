package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
	"github.com/zhammer/faaspact-verifier/internal/app/job"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

// Repository is where pacts come from and verification results go to.
type Repository interface {
	FetchProviderPacts(ctx context.Context, provider string) ([]*pact.Pact, error)
	PublishVerificationResults(ctx context.Context, providerVersion string, p *pact.Pact, results []pact.VerificationResult) error
}

type Verifier interface {
	VerifyPact(p *pact.Pact, results []pact.EmulatorResult) []pact.VerificationResult
}

type Notifier interface {
	AnnounceJobResults(ctx context.Context, report Report) error
}

// Job is a single verification run for one provider.
type Job struct {
	Provider        string
	ProviderVersion string
	Registry        *emulator.Registry
	Faasport        emulator.Faasport
	Publish         bool
	FailOn          pact.Tags
}

type Option func(*Runner)

// WithConcurrency bounds how many interactions are replayed and how many pacts
// are verified at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithRunID(newRunID func() string) Option {
	return func(r *Runner) {
		if newRunID != nil {
			r.newRunID = newRunID
		}
	}
}

type Runner struct {
	repository  Repository
	verifier    Verifier
	notifier    Notifier
	concurrency int
	newRunID    func() string
	tracer      trace.Tracer
}

func NewRunner(repository Repository, verifier Verifier, notifier Notifier, opts ...Option) *Runner {
	r := &Runner{
		repository:  repository,
		verifier:    verifier,
		notifier:    notifier,
		concurrency: 1,
		newRunID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
		tracer: otel.Tracer("github.com/zhammer/faaspact-verifier/internal/app/verification"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run fetches the provider's pacts, replays and verifies them, optionally
// publishes the results, announces the report and returns whether the job
// succeeded. A fetch failure aborts the run. A publish failure is returned as
// a *PublishError alongside the computed outcome.
func (r *Runner) Run(ctx context.Context, j Job) (bool, error) {
	report, err := r.Execute(ctx, j)
	return report.Succeeded, err
}

// Execute is Run returning the whole report. When pacts cannot be fetched the
// report only carries the run identity.
func (r *Runner) Execute(ctx context.Context, j Job) (Report, error) {
	report := Report{
		RunID:           r.newRunID(),
		Provider:        j.Provider,
		ProviderVersion: j.ProviderVersion,
		StartedAt:       time.Now(),
		FailOn:          j.FailOn,
	}
	if report.FailOn == nil {
		report.FailOn = pact.NewTags()
	}
	logger := log.WithFields(log.Fields{"run_id": report.RunID, "provider": j.Provider})

	ctx, span := r.tracer.Start(ctx, "verification run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("provider.name", j.Provider),
		attribute.String("provider.version", j.ProviderVersion),
	))
	defer span.End()

	pacts, err := r.repository.FetchProviderPacts(ctx, j.Provider)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, errors.Wrapf(err, "unable to fetch pacts for provider %s", j.Provider)
	}
	logger.Infof("fetched %d pacts for provider %s", len(pacts), j.Provider)
	report.Pacts = pacts

	report.EmulatorResults = r.emulate(ctx, logger, j, pacts)
	report.VerificationResults = r.verify(ctx, logger, pacts, report.EmulatorResults)

	var runErr error
	if j.Publish {
		report.PublishFailures = r.publish(ctx, logger, j.ProviderVersion, pacts, report.VerificationResults)
		report.ResultsPublished = len(report.PublishFailures) == 0
		if len(report.PublishFailures) > 0 {
			runErr = &PublishError{Failures: report.PublishFailures}
		}
	}

	pairs := report.pairs()
	report.Succeeded = job.Succeeded(pairs, report.FailOn)
	if !report.Succeeded {
		offending := pairs[job.FirstFailure(pairs, report.FailOn)].Pact
		logger.Errorf("%s failed verification and is tagged with one of %v", offending, report.FailOn.Sorted())
		span.SetStatus(codes.Error, "job failed")
	}
	span.SetAttributes(attribute.Bool("job.succeeded", report.Succeeded))
	report.Duration = time.Since(report.StartedAt)

	if r.notifier != nil {
		if err := r.notifier.AnnounceJobResults(ctx, report); err != nil {
			logger.Warnf("unable to announce job results. %s", err)
		}
	}

	return report, runErr
}

func (r *Runner) emulate(ctx context.Context, logger *log.Entry, j Job, pacts []*pact.Pact) [][]pact.EmulatorResult {
	em := emulator.New(j.Registry, j.Faasport,
		emulator.WithConcurrency(r.concurrency),
		emulator.WithLogger(logger),
	)

	results := make([][]pact.EmulatorResult, len(pacts))
	for i, p := range pacts {
		results[i] = r.emulatePact(ctx, logger, em, p)
	}
	return results
}

func (r *Runner) emulatePact(ctx context.Context, logger *log.Entry, em *emulator.Emulator, p *pact.Pact) (results []pact.EmulatorResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("emulating %s panicked: %v", p, rec)
			results = make([]pact.EmulatorResult, len(p.Interactions()))
			for i := range results {
				results[i] = pact.ErrorResult(fmt.Sprintf("emulation failed: %v", rec), "")
			}
		}
	}()
	logger.Infof("emulating %d interactions of %s", len(p.Interactions()), p)
	return em.EmulatePact(ctx, p)
}

// verify runs the Verifier for every pact, isolating a fault in one pact from
// the others.
func (r *Runner) verify(ctx context.Context, logger *log.Entry, pacts []*pact.Pact, emulated [][]pact.EmulatorResult) [][]pact.VerificationResult {
	results := make([][]pact.VerificationResult, len(pacts))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range pacts {
		i, p := i, p
		g.Go(func() error {
			results[i] = r.verifyPact(logger, p, emulated[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) verifyPact(logger *log.Entry, p *pact.Pact, emulated []pact.EmulatorResult) (results []pact.VerificationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("verifying %s panicked: %v", p, rec)
			results = make([]pact.VerificationResult, len(p.Interactions()))
			for i := range results {
				results[i] = pact.Unverified(fmt.Sprintf("verification failed: %v", rec))
			}
		}
	}()
	results = r.verifier.VerifyPact(p, emulated)
	if n := len(p.Interactions()); len(results) != n {
		aligned := make([]pact.VerificationResult, n)
		for i := range aligned {
			if i < len(results) {
				aligned[i] = results[i]
			} else {
				aligned[i] = pact.Unverified(fmt.Sprintf("no verification result for interaction %d", i))
			}
		}
		results = aligned
	}
	return results
}

func (r *Runner) publish(ctx context.Context, logger *log.Entry, providerVersion string, pacts []*pact.Pact, results [][]pact.VerificationResult) []PublishFailure {
	var failures []PublishFailure
	for i, p := range pacts {
		if err := r.repository.PublishVerificationResults(ctx, providerVersion, p, results[i]); err != nil {
			logger.Errorf("unable to publish verification results for %s. %s", p, err)
			failures = append(failures, PublishFailure{Pact: p, Err: err})
			continue
		}
		logger.Infof("published verification results for %s", p)
	}
	return failures
}
