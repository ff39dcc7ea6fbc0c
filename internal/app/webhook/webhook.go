package webhook

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/github"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/httpresponse"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
)

// Request asks for a verification run. Empty fields fall back to the server's
// configuration.
type Request struct {
	Provider        string   `json:"provider"`
	ProviderVersion string   `json:"providerVersion"`
	PublishResults  *bool    `json:"publishResults"`
	FailOn          []string `json:"failOn"`
	PullRequest     string   `json:"pullRequest"`
}

// Trigger runs a verification job for a request.
type Trigger func(ctx context.Context, req Request) (verification.Report, error)

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

func NewSummary(report verification.Report) Summary {
	summary := Summary{
		RunID:            report.RunID,
		Provider:         report.Provider,
		ProviderVersion:  report.ProviderVersion,
		Succeeded:        report.Succeeded,
		ResultsPublished: report.ResultsPublished,
		Pacts:            make([]PactSummary, 0, len(report.Pacts)),
	}
	for i, p := range report.Pacts {
		pactSummary := PactSummary{
			Consumer:        p.ConsumerName(),
			ConsumerVersion: p.ConsumerVersion(),
			PactVersion:     p.PactVersion(),
			Tags:            p.Tags().Sorted(),
			Verified:        report.PactVerified(i),
		}
		interactions := p.Interactions()
		for index, result := range report.VerificationResults[i] {
			if result.Verified {
				continue
			}
			failure := Failure{Interaction: index, Reason: result.Reason}
			if index < len(interactions) {
				failure.Description = interactions[index].Description
			}
			pactSummary.Failures = append(pactSummary.Failures, failure)
		}
		summary.Pacts = append(summary.Pacts, pactSummary)
	}
	return summary
}

// API exposes verification runs over HTTP. Runs never overlap: provider
// states are set up on a shared provider.
type API struct {
	trigger Trigger
	history *history.Store
	running sync.Mutex
}

func New(trigger Trigger, store *history.Store) *API {
	return &API{trigger: trigger, history: store}
}

func (a *API) SetupRoutes(e *echo.Echo) {
	e.GET("/ready", a.readyHandler)
	e.POST("/verifications", a.verificationsHandler)
	e.GET("/runs", a.runsHandler)
	e.GET("/runs/:id/interactions", a.runInteractionsHandler)
}

func (a *API) readyHandler(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (a *API) verificationsHandler(c echo.Context) error {
	req := Request{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Errorf("unable to parse verification request. %s", err.Error()))
	}

	if !a.running.TryLock() {
		return c.JSON(http.StatusConflict, httpresponse.Error("a verification is already running"))
	}
	defer a.running.Unlock()

	log.Infof("verification requested for provider %q", req.Provider)
	report, err := a.trigger(c.Request().Context(), req)

	var publishErr *verification.PublishError
	var prErr *github.PullRequestError
	var validationErr *configuration.ValidationError
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, NewSummary(report))
	case errors.As(err, &publishErr):
		summary := NewSummary(report)
		summary.PublishError = publishErr.Error()
		return c.JSON(http.StatusOK, summary)
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusBadRequest, httpresponse.Errorf("invalid verification request. %s", err.Error()))
	case errors.As(err, &prErr):
		return c.JSON(http.StatusUnprocessableEntity, httpresponse.Errorf("unable to read feature pacts. %s", err.Error()))
	default:
		return c.JSON(http.StatusBadGateway, httpresponse.Errorf("verification failed to run. %s", err.Error()))
	}
}

func (a *API) runsHandler(c echo.Context) error {
	if a.history == nil {
		return c.JSON(http.StatusNotFound, httpresponse.Error("run history is not enabled"))
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, httpresponse.Errorf("invalid limit %q", raw))
		}
		limit = n
	}

	runs, err := a.history.Runs(c.Request().Context(), c.QueryParam("provider"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, httpresponse.Errorf("unable to list runs. %s", err.Error()))
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (a *API) runInteractionsHandler(c echo.Context) error {
	if a.history == nil {
		return c.JSON(http.StatusNotFound, httpresponse.Error("run history is not enabled"))
	}
	interactions, err := a.history.Interactions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, httpresponse.Errorf("unable to list interactions. %s", err.Error()))
	}
	if len(interactions) == 0 {
		return c.JSON(http.StatusNotFound, httpresponse.Errorf("run %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, interactions)
}
