package verification

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
	"github.com/zhammer/faaspact-verifier/internal/app/verifier"
)

type RunStage struct {
	t          *testing.T
	assert     *assert.Assertions
	repository *fakeRepository
	notifier   *fakeNotifier
	builder    *emulator.RegistryBuilder
	faasport   emulator.Faasport
	publish    bool
	failOn     pact.Tags
	verifier   Verifier

	providerCalls int
	setups        int
	teardowns     int
	mu            sync.Mutex

	succeeded bool
	err       error
}

func newRunStage(t *testing.T) (*RunStage, *RunStage, *RunStage) {
	s := &RunStage{
		t:          t,
		assert:     assert.New(t),
		repository: &fakeRepository{},
		notifier:   &fakeNotifier{},
		builder:    emulator.NewRegistryBuilder(),
		failOn:     pact.NewTags("master"),
		verifier:   verifier.NewAdapter(nil),
	}
	s.faasport = func(ctx context.Context, request pact.Request) (pact.Response, error) {
		s.mu.Lock()
		s.providerCalls++
		s.mu.Unlock()
		return pact.Response{Status: 200, Body: map[string]interface{}{"name": "sam"}}, nil
	}
	return s, s, s
}

const userPact = `{
	"consumer": {"name": "web"},
	"provider": {"name": "users"},
	"interactions": [
		{
			"description": "get an existing user",
			"providerStates": [{"name": "a user exists", "params": {"name": "sam"}}],
			"request": {"method": "GET", "path": "/users/sam"},
			"response": {"status": 200, "body": {"name": "sam"}}
		},
		{
			"description": "get an admin",
			"providerStates": [{"name": "an admin exists"}],
			"request": {"method": "GET", "path": "/admins/root"},
			"response": {"status": 200, "body": {"name": "root"}}
		}
	]
}`

func (s *RunStage) a_pact_tagged(tags ...string) *RunStage {
	p, err := pact.Parse([]byte(userPact), "1.0.0", "abc123", pact.NewTags(tags...))
	require.NoError(s.t, err)
	s.repository.pacts = append(s.repository.pacts, p)
	return s
}

func (s *RunStage) a_pact_without_interactions() *RunStage {
	p, err := pact.Parse([]byte(`{"consumer": {"name": "cron"}, "provider": {"name": "users"}}`), "2.0.0", "def456", pact.NewTags("master"))
	require.NoError(s.t, err)
	s.repository.pacts = append(s.repository.pacts, p)
	return s
}

func (s *RunStage) the_user_exists_state_is_registered() *RunStage {
	err := s.builder.Register("a user exists", emulator.NewFixture(func(ctx context.Context, params emulator.Params) (emulator.ReleaseFunc, error) {
		s.mu.Lock()
		s.setups++
		s.mu.Unlock()
		return func(ctx context.Context) error {
			s.mu.Lock()
			s.teardowns++
			s.mu.Unlock()
			return nil
		}, nil
	}, "name"))
	require.NoError(s.t, err)
	return s
}

func (s *RunStage) fail_on(tags ...string) *RunStage {
	s.failOn = pact.NewTags(tags...)
	return s
}

func (s *RunStage) results_are_published() *RunStage {
	s.publish = true
	return s
}

func (s *RunStage) the_broker_cannot_be_reached() *RunStage {
	s.repository.fetchErr = errors.New("connection refused")
	return s
}

func (s *RunStage) the_broker_rejects_published_results() *RunStage {
	s.repository.publishErr = errors.New("unexpected status 500")
	return s
}

func (s *RunStage) the_verifier_panics() *RunStage {
	s.verifier = panickingVerifier{}
	return s
}

func (s *RunStage) the_notifier_fails() *RunStage {
	s.notifier.err = errors.New("slack is down")
	return s
}

func (s *RunStage) the_job_is_run() *RunStage {
	runner := NewRunner(s.repository, s.verifier, s.notifier,
		WithConcurrency(2),
		WithRunID(func() string { return "run-1" }),
	)
	s.succeeded, s.err = runner.Run(context.Background(), Job{
		Provider:        "users",
		ProviderVersion: "deadbeef",
		Registry:        s.builder.Build(),
		Faasport:        s.faasport,
		Publish:         s.publish,
		FailOn:          s.failOn,
	})
	return s
}

func (s *RunStage) the_job_fails() *RunStage {
	s.assert.False(s.succeeded)
	return s
}

func (s *RunStage) the_job_succeeds() *RunStage {
	s.assert.True(s.succeeded)
	return s
}

func (s *RunStage) no_error_is_returned() *RunStage {
	s.assert.NoError(s.err)
	return s
}

func (s *RunStage) a_fetch_error_is_returned() *RunStage {
	s.assert.ErrorContains(s.err, "unable to fetch pacts for provider users")
	s.assert.ErrorContains(s.err, "connection refused")
	return s
}

func (s *RunStage) a_publish_error_is_returned() *RunStage {
	var publishErr *PublishError
	require.True(s.t, errors.As(s.err, &publishErr), "expected a *PublishError, got %v", s.err)
	s.assert.Len(publishErr.Failures, len(s.repository.pacts))
	return s
}

func (s *RunStage) nothing_is_announced() *RunStage {
	s.assert.Empty(s.notifier.reports)
	return s
}

func (s *RunStage) the_report_has_one_verified_and_one_failed_interaction() *RunStage {
	report := s.report()
	require.Len(s.t, report.VerificationResults, 1)
	results := report.VerificationResults[0]
	require.Len(s.t, results, 2)
	s.assert.True(results[0].Verified, results[0].Reason)
	s.assert.False(results[1].Verified)
	s.assert.Equal("missing expected provider state: an admin exists", results[1].Reason)

	emulated := report.EmulatorResults[0]
	require.Len(s.t, emulated, 2)
	s.assert.Equal(pact.ResultResponse, emulated[0].Kind())
	s.assert.Equal(pact.ResultError, emulated[1].Kind())

	verified, unverified := report.Counts()
	s.assert.Equal(1, verified)
	s.assert.Equal(1, unverified)
	return s
}

func (s *RunStage) the_report_is_complete() *RunStage {
	report := s.report()
	s.assert.Equal("run-1", report.RunID)
	s.assert.Equal("users", report.Provider)
	s.assert.Equal("deadbeef", report.ProviderVersion)
	s.assert.Equal(s.succeeded, report.Succeeded)
	s.assert.Len(report.Pacts, len(s.repository.pacts))
	s.assert.Len(report.EmulatorResults, len(s.repository.pacts))
	s.assert.Len(report.VerificationResults, len(s.repository.pacts))
	return s
}

func (s *RunStage) the_report_says_results_were_published(published bool) *RunStage {
	s.assert.Equal(published, s.report().ResultsPublished)
	return s
}

func (s *RunStage) the_provider_is_called_once_and_the_fixture_is_released() *RunStage {
	s.assert.Equal(1, s.providerCalls)
	s.assert.Equal(1, s.setups)
	s.assert.Equal(1, s.teardowns)
	return s
}

func (s *RunStage) results_were_published_for_every_pact() *RunStage {
	s.assert.Len(s.repository.published, len(s.repository.pacts))
	for _, published := range s.repository.published {
		s.assert.Equal("deadbeef", published.providerVersion)
	}
	return s
}

func (s *RunStage) nothing_was_published() *RunStage {
	s.assert.Empty(s.repository.published)
	return s
}

func (s *RunStage) every_interaction_is_unverified() *RunStage {
	for _, results := range s.report().VerificationResults {
		for _, result := range results {
			s.assert.False(result.Verified)
			s.assert.Contains(result.Reason, "verification failed")
		}
	}
	return s
}

func (s *RunStage) report() Report {
	require.Len(s.t, s.notifier.reports, 1)
	return s.notifier.reports[0]
}

type published struct {
	providerVersion string
	pact            *pact.Pact
	results         []pact.VerificationResult
}

type fakeRepository struct {
	pacts      []*pact.Pact
	fetchErr   error
	publishErr error
	published  []published
}

func (r *fakeRepository) FetchProviderPacts(ctx context.Context, provider string) ([]*pact.Pact, error) {
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.pacts, nil
}

func (r *fakeRepository) PublishVerificationResults(ctx context.Context, providerVersion string, p *pact.Pact, results []pact.VerificationResult) error {
	if r.publishErr != nil {
		return r.publishErr
	}
	r.published = append(r.published, published{providerVersion: providerVersion, pact: p, results: results})
	return nil
}

type fakeNotifier struct {
	reports []Report
	err     error
}

func (n *fakeNotifier) AnnounceJobResults(ctx context.Context, report Report) error {
	n.reports = append(n.reports, report)
	return n.err
}

type panickingVerifier struct{}

func (panickingVerifier) VerifyPact(*pact.Pact, []pact.EmulatorResult) []pact.VerificationResult {
	panic("verifier exploded")
}

func (s *RunStage) and() *RunStage {
	return s
}
