package emulator

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// Params are the named parameters a provider state is entered with.
type Params map[string]interface{}

// ReleaseFunc tears down whatever the matching AcquireFunc set up.
type ReleaseFunc func(ctx context.Context) error

// AcquireFunc puts the provider into a state. The returned ReleaseFunc may be
// nil when there is nothing to tear down.
type AcquireFunc func(ctx context.Context, params Params) (ReleaseFunc, error)

// Fixture is a provider-state factory: it declares a fixed set of parameter
// names and produces a scoped Resource for a given parameter mapping.
type Fixture struct {
	params  []string
	acquire AcquireFunc
}

// NewFixture declares a fixture. Every parameter the acquire func understands
// must be listed, including ones it treats as optional.
func NewFixture(acquire AcquireFunc, params ...string) Fixture {
	declared := append([]string(nil), params...)
	sort.Strings(declared)
	return Fixture{params: declared, acquire: acquire}
}

// Params returns the declared parameter names in lexical order.
func (f Fixture) Params() []string {
	return append([]string(nil), f.params...)
}

// AcceptsParams reports whether the supplied names are exactly the declared set.
func (f Fixture) AcceptsParams(params Params) bool {
	if len(params) != len(f.params) {
		return false
	}
	for _, name := range f.params {
		if _, ok := params[name]; !ok {
			return false
		}
	}
	return true
}

// Resource returns an unacquired resource bound to params.
func (f Fixture) Resource(descriptor string, params Params) *Resource {
	return &Resource{descriptor: descriptor, fixture: f, params: params}
}

// ResourceState is the lifecycle of a Resource.
type ResourceState int

const (
	Unacquired ResourceState = iota
	Acquired
	Released
)

func (s ResourceState) String() string {
	switch s {
	case Unacquired:
		return "unacquired"
	case Acquired:
		return "acquired"
	case Released:
		return "released"
	}
	return "unknown"
}

// Resource is a single entered provider state. It moves Unacquired -> Acquired
// -> Released and never back.
type Resource struct {
	descriptor string
	fixture    Fixture
	params     Params
	state      ResourceState
	release    ReleaseFunc
}

func (r *Resource) State() ResourceState {
	return r.state
}

func (r *Resource) Descriptor() string {
	return r.descriptor
}

// Acquire enters the provider state. A panic in the fixture is reported as an
// error and leaves the resource Unacquired.
func (r *Resource) Acquire(ctx context.Context) (err error) {
	if r.state != Unacquired {
		return errors.Errorf("provider state %q is %s, cannot acquire", r.descriptor, r.state)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("provider state %q panicked during setup: %v", r.descriptor, rec)
		}
	}()

	params := r.params
	if params == nil {
		params = Params{}
	}
	release, err := r.fixture.acquire(ctx, params)
	if err != nil {
		return errors.Wrapf(err, "provider state %q setup failed", r.descriptor)
	}
	r.release = release
	r.state = Acquired
	return nil
}

// Release tears the provider state down. Releasing twice is an error; the
// teardown func runs at most once.
func (r *Resource) Release(ctx context.Context) (err error) {
	if r.state != Acquired {
		return errors.Errorf("provider state %q is %s, cannot release", r.descriptor, r.state)
	}
	r.state = Released
	if r.release == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("provider state %q panicked during teardown: %v", r.descriptor, rec)
		}
	}()
	if err := r.release(ctx); err != nil {
		return errors.Wrapf(err, "provider state %q teardown failed", r.descriptor)
	}
	return nil
}
