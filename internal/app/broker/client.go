package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zhammer/faaspact-verifier/internal/app/job"
	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

var pactVersionPattern = regexp.MustCompile(`/pact-version/(\w+)/verification-results`)

// ResponseError is an unexpected status code from the broker.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithFetchTags sets the tags whose latest pacts are fetched alongside the
// overall latest pacts.
func WithFetchTags(tags ...string) Option {
	return func(c *Client) {
		c.fetchTags = nil
		for _, tag := range tags {
			if tag != "" {
				c.fetchTags = append(c.fetchTags, tag)
			}
		}
	}
}

// Client talks to a Pact Broker over its HAL API.
type Client struct {
	host       string
	username   string
	password   string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
	fetchTags  []string
}

func New(host, username, password string, opts ...Option) *Client {
	c := &Client{
		host:     strings.TrimSuffix(host, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		attempts:  3,
		delay:     500 * time.Millisecond,
		fetchTags: []string{"master"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchProviderPacts returns the latest pacts for provider followed by the
// latest pacts for each fetch tag. A pact returned more than once is merged
// into its first occurrence with the union of the tags.
func (c *Client) FetchProviderPacts(ctx context.Context, provider string) ([]*pact.Pact, error) {
	listings := []string{c.latestURL(provider, "")}
	for _, tag := range c.fetchTags {
		listings = append(listings, c.latestURL(provider, tag))
	}

	var pacts []*pact.Pact
	index := map[string]int{}
	for _, listing := range listings {
		hrefs, err := c.pactHrefs(ctx, listing)
		if err != nil {
			return nil, err
		}
		log.Debugf("found %d pacts at %s", len(hrefs), listing)

		for _, href := range hrefs {
			p, err := c.fetchPact(ctx, href)
			if err != nil {
				return nil, err
			}
			key := p.ConsumerName() + "/" + p.PactVersion()
			if i, ok := index[key]; ok {
				pacts[i] = pacts[i].WithTags(pacts[i].Tags().Union(p.Tags()))
				continue
			}
			index[key] = len(pacts)
			pacts = append(pacts, p)
		}
	}
	return pacts, nil
}

// PublishVerificationResults posts whether every interaction of p was verified
// for providerVersion.
func (c *Client) PublishVerificationResults(ctx context.Context, providerVersion string, p *pact.Pact, results []pact.VerificationResult) error {
	payload, err := sjson.SetBytes([]byte(`{}`), "success", job.Verified(results))
	if err != nil {
		return errors.Wrap(err, "unable to build verification results")
	}
	payload, err = sjson.SetBytes(payload, "providerApplicationVersion", providerVersion)
	if err != nil {
		return errors.Wrap(err, "unable to build verification results")
	}

	target := fmt.Sprintf("%s/pacts/provider/%s/consumer/%s/pact-version/%s/verification-results",
		c.host, url.PathEscape(p.ProviderName()), url.PathEscape(p.ConsumerName()), url.PathEscape(p.PactVersion()))

	_, err = c.do(ctx, http.MethodPost, target, payload, http.StatusCreated)
	return err
}

func (c *Client) latestURL(provider, tag string) string {
	u := fmt.Sprintf("%s/pacts/provider/%s/latest", c.host, url.PathEscape(provider))
	if tag != "" {
		u += "/" + url.PathEscape(tag)
	}
	return u
}

func (c *Client) pactHrefs(ctx context.Context, listing string) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, listing, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	links := gjson.GetBytes(body, "_links.pb:pacts")
	if !links.Exists() {
		return nil, errors.Errorf("%s has no pb:pacts links", listing)
	}

	var hrefs []string
	for _, link := range links.Array() {
		if href := link.Get("href").String(); href != "" {
			hrefs = append(hrefs, href)
		}
	}
	return hrefs, nil
}

func (c *Client) fetchPact(ctx context.Context, href string) (*pact.Pact, error) {
	raw, err := c.do(ctx, http.MethodGet, href, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	pactVersion, err := pluckPactVersion(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read pact at %s", href)
	}

	consumerVersionHref := gjson.GetBytes(raw, "_links.pb:consumer-version.href").String()
	if consumerVersionHref == "" {
		return nil, errors.Errorf("pact at %s has no pb:consumer-version link", href)
	}
	consumerVersion, err := c.do(ctx, http.MethodGet, consumerVersionHref, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, tag := range gjson.GetBytes(consumerVersion, "_embedded.tags.#.name").Array() {
		tags = append(tags, tag.String())
	}

	document, err := stripBrokerFields(raw)
	if err != nil {
		return nil, err
	}

	p, err := pact.Parse(document, gjson.GetBytes(consumerVersion, "number").String(), pactVersion, pact.NewTags(tags...))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse pact at %s", href)
	}
	return p, nil
}

func pluckPactVersion(raw []byte) (string, error) {
	href := gjson.GetBytes(raw, "_links.pb:publish-verification-results.href").String()
	match := pactVersionPattern.FindStringSubmatch(href)
	if match == nil {
		return "", errors.Errorf("unable to pluck pact version from %q", href)
	}
	return match[1], nil
}

func stripBrokerFields(raw []byte) ([]byte, error) {
	document := raw
	for _, field := range []string{"createdAt", "_links", "_embedded"} {
		var err error
		document, err = sjson.DeleteBytes(document, field)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to strip %s from pact", field)
		}
	}
	return document, nil
}

// do sends a request with basic auth, retrying transport errors and 5xx
// responses. Any other unexpected status is returned without retrying.
func (c *Client) do(ctx context.Context, method, target string, payload []byte, expected int) ([]byte, error) {
	var body []byte
	err := retry.Do(func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "unable to create broker request"))
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/hal+json, application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s failed", method, target)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(err, "unable to read response from %s", target)
		}
		if resp.StatusCode != expected {
			respErr := &ResponseError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(data)}
			if resp.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(respErr)
			}
			return respErr
		}
		body = data
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("broker request attempt %d failed, retrying. %s", n+1, err)
		}),
	)
	return body, err
}
