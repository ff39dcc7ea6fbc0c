package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

const featurePactsPrefix = "feature-pacts:"

var pullRequestPattern = regexp.MustCompile(`github\.com/([\w-]+)/([\w-]+)/pull/(\d+)`)

// PullRequestError is any failure to find the feature pacts of a pull request.
type PullRequestError struct {
	Message string
	Err     error
}

func (e *PullRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *PullRequestError) Unwrap() error {
	return e.Err
}

type PullRequest struct {
	Owner  string
	Repo   string
	Number int
}

func (pr PullRequest) String() string {
	return fmt.Sprintf("%s/%s#%d", pr.Owner, pr.Repo, pr.Number)
}

// ParsePullRequestURL reads a url like https://github.com/owner/repo/pull/17.
func ParsePullRequestURL(pullRequestURL string) (PullRequest, error) {
	match := pullRequestPattern.FindStringSubmatch(pullRequestURL)
	if match == nil {
		return PullRequest{}, &PullRequestError{Message: fmt.Sprintf("unable to parse pull request url %q", pullRequestURL)}
	}
	number, err := strconv.Atoi(match[3])
	if err != nil {
		return PullRequest{}, &PullRequestError{Message: fmt.Sprintf("invalid pull request number in %q", pullRequestURL), Err: err}
	}
	return PullRequest{Owner: match[1], Repo: match[2], Number: number}, nil
}

// PluckFeaturePacts returns the tags listed on the body's single
// "feature-pacts:" line, or no tags when there is no such line.
func PluckFeaturePacts(body string) (pact.Tags, error) {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, featurePactsPrefix) {
			lines = append(lines, line)
		}
	}

	switch len(lines) {
	case 0:
		return pact.NewTags(), nil
	case 1:
		fields := strings.FieldsFunc(strings.TrimPrefix(lines[0], featurePactsPrefix), func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		return pact.NewTags(fields...), nil
	default:
		return nil, &PullRequestError{Message: fmt.Sprintf("there should only be one feature-pacts line, found %d: %q", len(lines), lines)}
	}
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// Client reads pull requests from the GitHub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    "https://api.github.com",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchFeaturePacts returns the feature pact tags declared in the body of the
// pull request at pullRequestURL.
func (c *Client) FetchFeaturePacts(ctx context.Context, pullRequestURL string) (pact.Tags, error) {
	pr, err := ParsePullRequestURL(pullRequestURL)
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, pr.Owner, pr.Repo, pr.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &PullRequestError{Message: "unable to create pull request request", Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &PullRequestError{Message: fmt.Sprintf("unable to fetch pull request %s", pr), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PullRequestError{Message: fmt.Sprintf("unable to read pull request %s", pr), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PullRequestError{Message: fmt.Sprintf("error fetching pull request %s from github, status %d: %s", pr, resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	return PluckFeaturePacts(gjson.GetBytes(data, "body").String())
}
