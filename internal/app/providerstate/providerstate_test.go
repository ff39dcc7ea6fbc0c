package providerstate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhammer/faaspact-verifier/internal/app/emulator"
)

type call struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type fakeProvider struct {
	*httptest.Server
	mu     sync.Mutex
	calls  []call
	status int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{status: http.StatusOK}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.calls = append(p.calls, call{Method: r.Method, Path: r.URL.Path, Body: body})
		status := p.status
		p.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(p.Close)
	return p
}

func TestLoad(t *testing.T) {
	f, err := Load("testdata/states.yaml")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", f.BaseURL)
	require.Len(t, f.States, 2)
	assert.Equal(t, "a user exists", f.States[0].Descriptor)
	assert.Equal(t, []string{"name"}, f.States[0].Params)
	assert.Equal(t, "DELETE", f.States[0].Teardown.Method)
	assert.Nil(t, f.States[1].Teardown)
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
		want string
	}{
		{name: "no base url", yaml: "states: []", want: "baseURL is required"},
		{name: "no descriptor", yaml: "baseURL: http://x\nstates:\n  - setup: {path: /s}", want: "state 0 has no descriptor"},
		{name: "no setup path", yaml: "baseURL: http://x\nstates:\n  - descriptor: d", want: `state "d" has no setup path`},
		{name: "not yaml", yaml: "baseURL: [", want: "unable to parse provider states"},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRegisteredStatesCallSetupAndTeardown(t *testing.T) {
	provider := newFakeProvider(t)
	f, err := Parse([]byte(`
baseURL: ` + provider.URL + `
states:
  - descriptor: a user exists
    params: [name]
    setup: {method: post, path: /_states/user}
    teardown: {method: DELETE, path: /_states/user}
`))
	require.NoError(t, err)

	builder := emulator.NewRegistryBuilder()
	require.NoError(t, f.Register(builder, provider.Client()))
	registry := builder.Build()

	fixture, ok := registry.Lookup("a user exists")
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, fixture.Params())

	resource := fixture.Resource("a user exists", emulator.Params{"name": "sam"})
	require.NoError(t, resource.Acquire(context.Background()))
	require.NoError(t, resource.Release(context.Background()))

	require.Len(t, provider.calls, 2)
	assert.Equal(t, call{
		Method: "POST",
		Path:   "/_states/user",
		Body:   map[string]interface{}{"state": "a user exists", "params": map[string]interface{}{"name": "sam"}},
	}, provider.calls[0])
	assert.Equal(t, "DELETE", provider.calls[1].Method)
}

func TestFailedSetupIsAnAcquireError(t *testing.T) {
	provider := newFakeProvider(t)
	provider.status = http.StatusInternalServerError
	f := &File{BaseURL: provider.URL, States: []State{{Descriptor: "up", Setup: Endpoint{Path: "/up"}}}}

	builder := emulator.NewRegistryBuilder()
	require.NoError(t, f.Register(builder, provider.Client()))
	fixture, _ := builder.Build().Lookup("up")

	err := fixture.Resource("up", nil).Acquire(context.Background())

	assert.ErrorContains(t, err, `provider state "up" setup failed`)
	assert.ErrorContains(t, err, "returned 500: nope")
}

func TestRegisterRejectsDuplicateDescriptors(t *testing.T) {
	f := &File{BaseURL: "http://x", States: []State{
		{Descriptor: "up", Setup: Endpoint{Path: "/up"}},
		{Descriptor: "up", Setup: Endpoint{Path: "/up"}},
	}}

	err := f.Register(emulator.NewRegistryBuilder(), nil)

	assert.ErrorIs(t, err, emulator.ErrDuplicateProviderState)
}
