package faaspact

import "time"

type VerificationRequest struct {
	Provider        string   `json:"provider,omitempty"`
	ProviderVersion string   `json:"providerVersion,omitempty"`
	PublishResults  *bool    `json:"publishResults,omitempty"`
	FailOn          []string `json:"failOn,omitempty"`
	PullRequest     string   `json:"pullRequest,omitempty"`
}

type Failure struct {
	Interaction int    `json:"interaction"`
	Description string `json:"description"`
	Reason      string `json:"reason"`
}

type PactSummary struct {
	Consumer        string    `json:"consumer"`
	ConsumerVersion string    `json:"consumerVersion"`
	PactVersion     string    `json:"pactVersion"`
	Tags            []string  `json:"tags"`
	Verified        bool      `json:"verified"`
	Failures        []Failure `json:"failures,omitempty"`
}

type Summary struct {
	RunID            string        `json:"runId"`
	Provider         string        `json:"provider"`
	ProviderVersion  string        `json:"providerVersion"`
	Succeeded        bool          `json:"succeeded"`
	ResultsPublished bool          `json:"resultsPublished"`
	PublishError     string        `json:"publishError,omitempty"`
	Pacts            []PactSummary `json:"pacts"`
}

type Run struct {
	ID               string        `json:"id"`
	Provider         string        `json:"provider"`
	ProviderVersion  string        `json:"providerVersion"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	Succeeded        bool          `json:"succeeded"`
	ResultsPublished bool          `json:"resultsPublished"`
	Verified         int           `json:"verified"`
	Unverified       int           `json:"unverified"`
}

type RunInteraction struct {
	Consumer        string   `json:"consumer"`
	ConsumerVersion string   `json:"consumerVersion"`
	PactVersion     string   `json:"pactVersion"`
	Tags            []string `json:"tags"`
	Position        int      `json:"position"`
	Description     string   `json:"description"`
	Verified        bool     `json:"verified"`
	Reason          string   `json:"reason"`
}
