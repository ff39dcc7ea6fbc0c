package providerstate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
)

// File describes provider states that are set up and torn down by calling
// HTTP endpoints on the provider.
//
//	baseURL: http://localhost:9000
//	states:
//	  - descriptor: a user exists
//	    params: [name]
//	    setup: {method: POST, path: /_states/user}
//	    teardown: {method: DELETE, path: /_states/user}
type File struct {
	BaseURL string  `yaml:"baseURL"`
	States  []State `yaml:"states"`
}

type State struct {
	Descriptor string    `yaml:"descriptor"`
	Params     []string  `yaml:"params"`
	Setup      Endpoint  `yaml:"setup"`
	Teardown   *Endpoint `yaml:"teardown"`
}

type Endpoint struct {
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read provider states file %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid provider states file %s", path)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "unable to parse provider states")
	}
	if f.BaseURL == "" {
		return nil, errors.New("baseURL is required")
	}
	f.BaseURL = strings.TrimSuffix(f.BaseURL, "/")
	for i, s := range f.States {
		if s.Descriptor == "" {
			return nil, errors.Errorf("state %d has no descriptor", i)
		}
		if s.Setup.Path == "" {
			return nil, errors.Errorf("state %q has no setup path", s.Descriptor)
		}
	}
	return f, nil
}

// Register adds a fixture for every state in the file. Each fixture calls the
// setup endpoint on acquire and the teardown endpoint, when given, on release.
func (f *File) Register(builder *emulator.RegistryBuilder, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	for _, s := range f.States {
		s := s
		acquire := func(ctx context.Context, params emulator.Params) (emulator.ReleaseFunc, error) {
			if err := f.call(ctx, client, s.Descriptor, s.Setup, params); err != nil {
				return nil, err
			}
			if s.Teardown == nil {
				return nil, nil
			}
			return func(ctx context.Context) error {
				return f.call(ctx, client, s.Descriptor, *s.Teardown, params)
			}, nil
		}
		if err := builder.Register(s.Descriptor, emulator.NewFixture(acquire, s.Params...)); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) call(ctx context.Context, client *http.Client, descriptor string, endpoint Endpoint, params emulator.Params) error {
	if params == nil {
		params = emulator.Params{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"state":  descriptor,
		"params": params,
	})
	if err != nil {
		return errors.Wrap(err, "unable to encode provider state")
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	target := f.BaseURL + "/" + strings.TrimPrefix(endpoint.Path, "/")
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "unable to create provider state request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range endpoint.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	log.Debugf("%s %s for provider state %q", req.Method, target, descriptor)
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", req.Method, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s %s returned %d: %s", req.Method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
