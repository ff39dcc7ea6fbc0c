package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/labstack/echo/v4"
	"github.com/pact-foundation/pact-go/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/github"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
)

func failedReport(t *testing.T) verification.Report {
	p, err := pact.Parse([]byte(`{
		"consumer": {"name": "web"},
		"provider": {"name": "users"},
		"interactions": [
			{"description": "get a user", "request": {"method": "GET", "path": "/users/sam"}, "response": {"status": 200}},
			{"description": "get an admin", "request": {"method": "GET", "path": "/admins/root"}, "response": {"status": 200}}
		]
	}`), "1.0.0", "abc123", pact.NewTags("master"))
	require.NoError(t, err)

	return verification.Report{
		RunID:           "run-1",
		Provider:        "users",
		ProviderVersion: "deadbeef",
		Pacts:           []*pact.Pact{p},
		VerificationResults: [][]pact.VerificationResult{
			{pact.Verified(), pact.Unverified("missing expected provider state: an admin exists")},
		},
		Succeeded: false,
	}
}

func serve(t *testing.T, api *API, method, target, body string) *httptest.ResponseRecorder {
	e := echo.New()
	api.SetupRoutes(e)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestVerificationsReturnsSummary(t *testing.T) {
	var got Request
	api := New(func(ctx context.Context, req Request) (verification.Report, error) {
		got = req
		return failedReport(t), nil
	}, nil)

	rec := serve(t, api, http.MethodPost, "/verifications",
		`{"provider": "users", "providerVersion": "deadbeef", "publishResults": true, "failOn": ["master"], "pullRequest": "https://github.com/o/r/pull/1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "users", got.Provider)
	require.NotNil(t, got.PublishResults)
	assert.True(t, *got.PublishResults)
	assert.Equal(t, []string{"master"}, got.FailOn)
	assert.Equal(t, "https://github.com/o/r/pull/1", got.PullRequest)

	summary := Summary{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.False(t, summary.Succeeded)
	require.Len(t, summary.Pacts, 1)
	assert.Equal(t, "web", summary.Pacts[0].Consumer)
	assert.Equal(t, []string{"master"}, summary.Pacts[0].Tags)
	assert.False(t, summary.Pacts[0].Verified)
	assert.Equal(t, []Failure{{Interaction: 1, Description: "get an admin", Reason: "missing expected provider state: an admin exists"}}, summary.Pacts[0].Failures)
}

func TestVerificationsErrors(t *testing.T) {
	for _, tt := range []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "bad request", body: `{"provider": `, wantStatus: http.StatusBadRequest, wantBody: "unable to parse verification request"},
		{name: "publish failure still reports", body: `{}`, err: &verification.PublishError{}, wantStatus: http.StatusOK, wantBody: "publishError"},
		{name: "missing provider", body: `{}`, err: &configuration.ValidationError{Message: "missing provider"}, wantStatus: http.StatusBadRequest, wantBody: "invalid verification request. missing provider"},
		{name: "pull request failure", body: `{}`, err: &github.PullRequestError{Message: "unable to parse pull request url"}, wantStatus: http.StatusUnprocessableEntity, wantBody: "unable to read feature pacts"},
		{name: "broker unreachable", body: `{}`, err: errors.New("unable to fetch pacts for provider users"), wantStatus: http.StatusBadGateway, wantBody: "verification failed to run"},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			api := New(func(ctx context.Context, req Request) (verification.Report, error) {
				return failedReport(t), tt.err
			}, nil)

			rec := serve(t, api, http.MethodPost, "/verifications", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestVerificationsDoNotOverlap(t *testing.T) {
	api := New(func(ctx context.Context, req Request) (verification.Report, error) {
		return verification.Report{}, nil
	}, nil)
	api.running.Lock()
	defer api.running.Unlock()

	rec := serve(t, api, http.MethodPost, "/verifications", `{}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuns(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Record(context.Background(), history.Run{ID: "run-1", Provider: "users", StartedAt: time.Now()},
		[]history.Interaction{{Consumer: "web", Position: 0, Verified: true}}))

	api := New(nil, store)

	rec := serve(t, api, http.MethodGet, "/runs?provider=users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 1, runs[0].Verified)

	rec = serve(t, api, http.MethodGet, "/runs/run-1/interactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consumer":"web"`)

	assert.Equal(t, http.StatusNotFound, serve(t, api, http.MethodGet, "/runs/missing/interactions", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, api, http.MethodGet, "/runs?limit=none", "").Code)
}

func TestRunsWithoutHistory(t *testing.T) {
	rec := serve(t, New(nil, nil), http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServedOverHTTP(t *testing.T) {
	defer configuration.ShutdownAllServers(context.Background())

	port, err := utils.GetFreePort()
	require.NoError(t, err)
	config := &configuration.Config{ServerAddress: url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}}

	e := echo.New()
	New(func(ctx context.Context, req Request) (verification.Report, error) {
		return verification.Report{RunID: "run-2", Provider: req.Provider, Succeeded: true}, nil
	}, nil).SetupRoutes(e)
	_, err = configuration.StartServer(config, e)
	require.NoError(t, err)

	base := config.ServerAddress.String()
	err = retry.Do(func() error {
		res, err := http.Get(base + "/ready")
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return errors.Errorf("not ready: %d", res.StatusCode)
		}
		return nil
	}, retry.Attempts(10), retry.DelayType(retry.FixedDelay), retry.Delay(50*time.Millisecond))
	require.NoError(t, err)

	res, err := http.Post(base+"/verifications", echo.MIMEApplicationJSON, strings.NewReader(`{"provider": "users"}`))
	require.NoError(t, err)
	defer res.Body.Close()

	summary := Summary{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&summary))
	assert.Equal(t, "run-2", summary.RunID)
	assert.Equal(t, "users", summary.Provider)
	assert.True(t, summary.Succeeded)
	assert.Empty(t, summary.Pacts)
}
