package verification

import (
	"fmt"
	"strings"
	"time"

	"github.com/zhammer/faaspact-verifier/internal/app/job"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

// Report is everything a run produced, handed to the Notifier once the job
// outcome is known. The per-pact slices are index aligned with Pacts.
type Report struct {
	RunID               string
	Provider            string
	ProviderVersion     string
	StartedAt           time.Time
	Duration            time.Duration
	FailOn              pact.Tags
	Pacts               []*pact.Pact
	EmulatorResults     [][]pact.EmulatorResult
	VerificationResults [][]pact.VerificationResult
	ResultsPublished    bool
	PublishFailures     []PublishFailure
	Succeeded           bool
}

// PactVerified reports whether every interaction of the i-th pact was verified.
func (r Report) PactVerified(i int) bool {
	if i >= len(r.VerificationResults) {
		return false
	}
	return job.Verified(r.VerificationResults[i])
}

// Counts returns the number of verified and unverified interactions.
func (r Report) Counts() (verified, unverified int) {
	for _, results := range r.VerificationResults {
		for _, result := range results {
			if result.Verified {
				verified++
			} else {
				unverified++
			}
		}
	}
	return verified, unverified
}

func (r Report) pairs() []job.PactResults {
	pairs := make([]job.PactResults, len(r.Pacts))
	for i, p := range r.Pacts {
		pairs[i] = job.PactResults{Pact: p, Results: r.VerificationResults[i]}
	}
	return pairs
}

type PublishFailure struct {
	Pact *pact.Pact
	Err  error
}

// PublishError is returned by Runner.Run when publishing results failed for
// one or more pacts. The job outcome is still valid.
type PublishError struct {
	Failures []PublishFailure
}

func (e *PublishError) Error() string {
	messages := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		messages = append(messages, fmt.Sprintf("%s: %s", f.Pact, f.Err))
	}
	return fmt.Sprintf("unable to publish verification results for %d pact(s). %s",
		len(e.Failures), strings.Join(messages, "; "))
}
