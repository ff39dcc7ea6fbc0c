package job

import (
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

// PactResults pairs a pact with its verification results.
type PactResults struct {
	Pact    *pact.Pact
	Results []pact.VerificationResult
}

// Verified reports whether every interaction was verified. A pact with no
// interactions is verified.
func Verified(results []pact.VerificationResult) bool {
	for _, r := range results {
		if !r.Verified {
			return false
		}
	}
	return true
}

// FirstFailure returns the index of the first unverified pact whose tags
// overlap failOn, or -1 when there is none.
func FirstFailure(pacts []PactResults, failOn pact.Tags) int {
	for i, pr := range pacts {
		if Verified(pr.Results) {
			continue
		}
		if pr.Pact != nil && pr.Pact.Tags().Overlaps(failOn) {
			return i
		}
	}
	return -1
}

// Succeeded reports whether the job passes: it fails only when an unverified
// pact carries one of the fail-on tags.
func Succeeded(pacts []PactResults, failOn pact.Tags) bool {
	return FirstFailure(pacts, failOn) < 0
}
