package faasport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHeaders adds headers to every request, overriding the pact's headers.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// Client replays pact requests against a function deployed behind HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// the pact describes the redirect itself
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke sends request to the function and captures its response.
func (c *Client) Invoke(ctx context.Context, request pact.Request) (pact.Response, error) {
	body, contentType, err := encodeBody(request.Body)
	if err != nil {
		return pact.Response{}, err
	}

	target := c.baseURL + "/" + strings.TrimPrefix(request.Path, "/")
	if len(request.Query) > 0 {
		target += "?" + request.Query.Encode()
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return pact.Response{}, errors.Wrap(err, "unable to create faasport request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range request.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	log.Debugf("invoking faasport %s %s", method, target)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pact.Response{}, errors.Wrapf(err, "%s %s failed", method, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pact.Response{}, errors.Wrap(err, "unable to read faasport response")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}

	decoded, err := decodeBody(data, resp.Header.Get("Content-Type"))
	if err != nil {
		return pact.Response{}, err
	}

	return pact.Response{Headers: headers, Status: resp.StatusCode, Body: decoded}, nil
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", errors.Wrap(err, "unable to encode request body")
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody parses JSON bodies, object or array, and keeps anything else as
// plain text. An empty body is nil.
func decodeBody(data []byte, contentType string) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !strings.Contains(strings.ToLower(contentType), "json") {
		return string(data), nil
	}

	var body interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.Wrap(err, "unable to parse faasport response body")
	}
	return body, nil
}
