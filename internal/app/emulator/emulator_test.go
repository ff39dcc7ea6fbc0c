package emulator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

func buildPact(t *testing.T, interactions ...string) *pact.Pact {
	t.Helper()
	doc := fmt.Sprintf(`{
		"consumer": {"name": "consumer"},
		"provider": {"name": "provider"},
		"interactions": [%s]
	}`, strings.Join(interactions, ","))
	p, err := pact.Parse([]byte(doc), "1.0.0", "v1", pact.NewTags("master"))
	require.NoError(t, err)
	return p
}

func interaction(path string, states string) string {
	return fmt.Sprintf(`{
		"description": "request for %s",
		"providerStates": [%s],
		"request": {"method": "GET", "path": "%s"},
		"response": {"status": 200}
	}`, path, states, path)
}

func okFaasport(calls *int32) Faasport {
	return func(_ context.Context, request pact.Request) (pact.Response, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return pact.Response{Status: 200, Body: map[string]interface{}{"path": request.Path}}, nil
	}
}

func noopFixture(params ...string) Fixture {
	return NewFixture(func(context.Context, Params) (ReleaseFunc, error) { return nil, nil }, params...)
}

func registry(t *testing.T, fixtures map[string]Fixture) *Registry {
	t.Helper()
	b := NewRegistryBuilder()
	for d, f := range fixtures {
		require.NoError(t, b.Register(d, f))
	}
	return b.Build()
}

func TestEmulatePactWithoutInteractions(t *testing.T) {
	p := buildPact(t)
	results := EmulateInteractions(context.Background(), p, registry(t, nil), okFaasport(nil))
	assert.Empty(t, results)
}

func TestMissingProviderState(t *testing.T) {
	var calls int32
	p := buildPact(t, interaction("/users/zach", `{"name": "user-exists"}`))

	results := EmulateInteractions(context.Background(), p, registry(t, nil), okFaasport(&calls))

	require.Len(t, results, 1)
	emulatorErr, failed := results[0].Err()
	require.True(t, failed)
	assert.Contains(t, emulatorErr.Message, "user-exists")
	assert.Equal(t, "missing expected provider state: user-exists", emulatorErr.Message)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestMissingProviderStateDoesNotEnterEarlierFixtures(t *testing.T) {
	var entered int32
	fixture := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		atomic.AddInt32(&entered, 1)
		return nil, nil
	})
	p := buildPact(t, interaction("/", `{"name": "known"}, {"name": "unknown"}`))

	results := EmulateInteractions(context.Background(), p, registry(t, map[string]Fixture{"known": fixture}), okFaasport(nil))

	_, failed := results[0].Err()
	assert.True(t, failed)
	assert.Zero(t, atomic.LoadInt32(&entered))
}

func TestProviderStateParamsMustMatchExactly(t *testing.T) {
	reg := registry(t, map[string]Fixture{"a user exists": noopFixture("name", "yell")})

	for _, tt := range []struct {
		name     string
		states   string
		verified bool
	}{
		{name: "subset of declared params", states: `{"name": "a user exists", "params": {"name": "zach"}}`},
		{name: "unknown param", states: `{"name": "a user exists", "params": {"name": "zach", "yell": true, "age": 3}}`},
		{name: "exact params", states: `{"name": "a user exists", "params": {"name": "zach", "yell": true}}`, verified: true},
		{name: "no params", states: `{"name": "a user exists"}`, verified: true},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			p := buildPact(t, interaction("/", tt.states))

			results := EmulateInteractions(context.Background(), p, reg, okFaasport(&calls))

			emulatorErr, failed := results[0].Err()
			assert.Equal(t, !tt.verified, failed)
			if failed {
				assert.Contains(t, emulatorErr.Message, "params dont match")
				assert.Zero(t, atomic.LoadInt32(&calls))
			} else {
				assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			}
		})
	}
}

func TestFixtureReceivesParams(t *testing.T) {
	var got Params
	fixture := NewFixture(func(_ context.Context, params Params) (ReleaseFunc, error) {
		got = params
		return nil, nil
	}, "name")
	p := buildPact(t, interaction("/", `{"name": "a user exists", "params": {"name": "zach"}}`))

	EmulateInteractions(context.Background(), p, registry(t, map[string]Fixture{"a user exists": fixture}), okFaasport(nil))

	assert.Equal(t, Params{"name": "zach"}, got)
}

func TestTeardownRunsWhenProviderFails(t *testing.T) {
	for _, tt := range []struct {
		name     string
		faasport Faasport
	}{
		{
			name: "provider returns error",
			faasport: func(context.Context, pact.Request) (pact.Response, error) {
				return pact.Response{}, errors.New("database is down")
			},
		},
		{
			name: "provider panics",
			faasport: func(context.Context, pact.Request) (pact.Response, error) {
				panic("nil map")
			},
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var teardowns int32
			fixture := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
				return func(context.Context) error {
					atomic.AddInt32(&teardowns, 1)
					return nil
				}, nil
			})
			p := buildPact(t, interaction("/", `{"name": "counted"}`))

			results := EmulateInteractions(context.Background(), p, registry(t, map[string]Fixture{"counted": fixture}), tt.faasport)

			emulatorErr, failed := results[0].Err()
			require.True(t, failed)
			assert.Equal(t, "provider raised an exception", emulatorErr.Message)
			assert.NotEmpty(t, emulatorErr.Trace)
			assert.Equal(t, int32(1), atomic.LoadInt32(&teardowns))
		})
	}
}

func TestResourcesReleasedInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(event string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	}
	fixture := func(name string) Fixture {
		return NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
			record("enter " + name)
			return func(context.Context) error {
				record("exit " + name)
				return nil
			}, nil
		})
	}
	reg := registry(t, map[string]Fixture{"a": fixture("a"), "b": fixture("b"), "c": fixture("c")})
	p := buildPact(t, interaction("/", `{"name": "a"}, {"name": "b"}, {"name": "c"}`))
	faasport := func(_ context.Context, _ pact.Request) (pact.Response, error) {
		record("provider")
		return pact.Response{Status: 200}, nil
	}

	results := EmulateInteractions(context.Background(), p, reg, faasport)

	_, ok := results[0].Response()
	assert.True(t, ok)
	assert.Equal(t, []string{"enter a", "enter b", "enter c", "provider", "exit c", "exit b", "exit a"}, events)
}

func TestFailedSetupReleasesEarlierResources(t *testing.T) {
	var events []string
	good := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		events = append(events, "enter good")
		return func(context.Context) error {
			events = append(events, "exit good")
			return nil
		}, nil
	})
	bad := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		return nil, errors.New("cannot seed database")
	})
	var calls int32
	p := buildPact(t, interaction("/", `{"name": "good"}, {"name": "bad"}`))

	results := EmulateInteractions(context.Background(), p, registry(t, map[string]Fixture{"good": good, "bad": bad}), okFaasport(&calls))

	emulatorErr, failed := results[0].Err()
	require.True(t, failed)
	assert.Contains(t, emulatorErr.Message, "cannot seed database")
	assert.Equal(t, []string{"enter good", "exit good"}, events)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestTeardownFailureFailsInteraction(t *testing.T) {
	fixture := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		return func(context.Context) error { return errors.New("rollback failed") }, nil
	})
	p := buildPact(t, interaction("/", `{"name": "leaky"}`))

	results := EmulateInteractions(context.Background(), p, registry(t, map[string]Fixture{"leaky": fixture}), okFaasport(nil))

	emulatorErr, failed := results[0].Err()
	require.True(t, failed)
	assert.Contains(t, emulatorErr.Message, "teardown failed")
}

func TestFaultDoesNotStopLaterInteractions(t *testing.T) {
	p := buildPact(t,
		interaction("/panic", ``),
		interaction("/missing", `{"name": "nope"}`),
		interaction("/ok", ``),
	)
	faasport := func(_ context.Context, request pact.Request) (pact.Response, error) {
		if request.Path == "/panic" {
			panic("boom")
		}
		return pact.Response{Status: 200}, nil
	}

	results := EmulateInteractions(context.Background(), p, registry(t, nil), faasport)

	require.Len(t, results, 3)
	assert.Equal(t, pact.ResultError, results[0].Kind())
	assert.Equal(t, pact.ResultError, results[1].Kind())
	assert.Equal(t, pact.ResultResponse, results[2].Kind())
}

func TestConcurrentEmulationKeepsOrder(t *testing.T) {
	var interactions []string
	for i := 0; i < 20; i++ {
		interactions = append(interactions, interaction(fmt.Sprintf("/%d", i), ``))
	}
	p := buildPact(t, interactions...)
	faasport := func(_ context.Context, request pact.Request) (pact.Response, error) {
		// later interactions finish first
		var n int
		fmt.Sscanf(request.Path, "/%d", &n)
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		return pact.Response{Status: 200, Body: request.Path}, nil
	}

	results := New(registry(t, nil), faasport, WithConcurrency(8)).EmulatePact(context.Background(), p)

	require.Len(t, results, 20)
	for i, result := range results {
		response, ok := result.Response()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("/%d", i), response.Body)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	b := NewRegistryBuilder()
	require.NoError(t, b.Register("a user exists", noopFixture()))

	err := b.Register("a user exists", noopFixture())
	assert.ErrorIs(t, err, ErrDuplicateProviderState)

	assert.Error(t, b.Register("", noopFixture()))
	assert.Error(t, b.Register("no fixture", Fixture{}))

	reg := b.Build()
	require.NoError(t, b.Register("added later", noopFixture()))
	assert.Equal(t, []string{"a user exists"}, reg.Descriptors())
	assert.Equal(t, 1, reg.Len())
}

func TestResourceLifecycle(t *testing.T) {
	var releases int
	fixture := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		return func(context.Context) error {
			releases++
			return nil
		}, nil
	})
	resource := fixture.Resource("state", nil)
	ctx := context.Background()

	assert.Equal(t, Unacquired, resource.State())
	assert.Error(t, resource.Release(ctx))

	require.NoError(t, resource.Acquire(ctx))
	assert.Equal(t, Acquired, resource.State())
	assert.Error(t, resource.Acquire(ctx))

	require.NoError(t, resource.Release(ctx))
	assert.Equal(t, Released, resource.State())
	assert.Error(t, resource.Release(ctx))
	assert.Equal(t, 1, releases)
}

func TestResourceAcquirePanicIsAnError(t *testing.T) {
	fixture := NewFixture(func(context.Context, Params) (ReleaseFunc, error) {
		panic("boom")
	})
	resource := fixture.Resource("state", nil)

	err := resource.Acquire(context.Background())

	assert.Error(t, err)
	assert.Equal(t, Unacquired, resource.State())
}
