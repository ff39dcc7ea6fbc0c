package faaspact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

// Client talks to a verifier started with the serve command.
type Client struct {
	client http.Client
	url    string
}

func NewClient(url string) *Client {
	return &Client{
		client: http.Client{
			Timeout: 5 * time.Minute,
		},
		url: strings.TrimSuffix(url, "/"),
	}
}

// APIError is a non-2xx answer of the verifier.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("verifier returned %d: %s", e.StatusCode, e.Message)
}

// WaitForReady polls the verifier until it answers or attempts run out.
func (c *Client) WaitForReady(ctx context.Context, attempts uint, delay time.Duration) error {
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/ready", nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		res, err := c.client.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return errors.Errorf("verifier not ready: %d", res.StatusCode)
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(attempts), retry.Delay(delay), retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
}

// Verify asks the verifier to run a verification and waits for its summary.
// A summary is returned with a nil error even when the job failed; check
// Summary.Succeeded.
func (c *Client) Verify(ctx context.Context, req VerificationRequest) (*Summary, error) {
	content, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal verification request")
	}

	summary := &Summary{}
	if err := c.do(ctx, http.MethodPost, "/verifications", content, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// Runs lists recorded runs, newest first. An empty provider lists every
// provider.
func (c *Client) Runs(ctx context.Context, provider string, limit int) ([]Run, error) {
	q := url.Values{}
	if provider != "" {
		q.Add("provider", provider)
	}
	if limit > 0 {
		q.Add("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunInteractions lists the interaction verdicts of a recorded run.
func (c *Client) RunInteractions(ctx context.Context, runID string) ([]RunInteraction, error) {
	var interactions []RunInteraction
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/interactions", nil, &interactions); err != nil {
		return nil, err
	}
	return interactions, nil
}

func (c *Client) do(ctx context.Context, method, path string, content []byte, into interface{}) error {
	var body io.Reader
	if content != nil {
		body = bytes.NewReader(content)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return err
	}
	if content != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read verifier response")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := struct {
			ErrorMessage string `json:"error_message"`
		}{}
		message := strings.TrimSpace(string(responseBody))
		if json.Unmarshal(responseBody, &apiErr) == nil && apiErr.ErrorMessage != "" {
			message = apiErr.ErrorMessage
		}
		return &APIError{StatusCode: res.StatusCode, Message: message}
	}
	return errors.Wrap(json.Unmarshal(responseBody, into), "failed to parse verifier response")
}
