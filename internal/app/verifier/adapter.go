package verifier

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

// Adapter turns emulator results into verification results, delegating the
// response comparison to a Matcher. It never panics.
type Adapter struct {
	matcher Matcher
}

func NewAdapter(matcher Matcher) *Adapter {
	if matcher == nil {
		matcher = RuleMatcher{}
	}
	return &Adapter{matcher: matcher}
}

// VerifyPact returns one result per interaction, index aligned with
// p.Interactions() and results.
func (a *Adapter) VerifyPact(p *pact.Pact, results []pact.EmulatorResult) []pact.VerificationResult {
	interactions := p.Interactions()
	verification := make([]pact.VerificationResult, len(interactions))
	for i, interaction := range interactions {
		if i >= len(results) {
			verification[i] = pact.Unverified(fmt.Sprintf("no emulator result for interaction %d", i))
			continue
		}
		verification[i] = a.verifyInteraction(interaction, results[i])
		if !verification[i].Verified {
			log.WithFields(log.Fields{
				"consumer":    p.ConsumerName(),
				"provider":    p.ProviderName(),
				"interaction": i,
			}).Debugf("interaction not verified: %s", verification[i].Reason)
		}
	}
	return verification
}

func (a *Adapter) verifyInteraction(interaction pact.Interaction, result pact.EmulatorResult) (verdict pact.VerificationResult) {
	if emulatorErr, failed := result.Err(); failed {
		return pact.Unverified(emulatorErr.Message)
	}

	defer func() {
		if rec := recover(); rec != nil {
			verdict = pact.Unverified(fmt.Sprintf("matcher failed: %v", rec))
		}
	}()

	actual, ok := result.Response()
	if !ok {
		return pact.Unverified(fmt.Sprintf("no provider response captured (%s result)", result.Kind()))
	}
	verified, diagnostics := a.matcher.Match(interaction.Response, actual)
	if verified {
		return pact.Verified()
	}
	return pact.Unverified(strings.Join(diagnostics, "; "))
}
