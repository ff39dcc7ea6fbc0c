package emulator

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrDuplicateProviderState is returned when a descriptor is registered twice.
var ErrDuplicateProviderState = errors.New("provider state fixture already defined")

// Registry maps provider-state descriptors to fixtures. It is read-only once
// built and safe for concurrent use.
type Registry struct {
	fixtures map[string]Fixture
}

func (r *Registry) Lookup(descriptor string) (Fixture, bool) {
	if r == nil {
		return Fixture{}, false
	}
	f, ok := r.fixtures[descriptor]
	return f, ok
}

// Descriptors returns the registered descriptors in lexical order.
func (r *Registry) Descriptors() []string {
	if r == nil {
		return nil
	}
	descriptors := make([]string, 0, len(r.fixtures))
	for d := range r.fixtures {
		descriptors = append(descriptors, d)
	}
	sort.Strings(descriptors)
	return descriptors
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fixtures)
}

// RegistryBuilder collects fixtures before a run starts.
type RegistryBuilder struct {
	fixtures map[string]Fixture
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{fixtures: map[string]Fixture{}}
}

func (b *RegistryBuilder) Register(descriptor string, fixture Fixture) error {
	if descriptor == "" {
		return errors.New("provider state descriptor cannot be empty")
	}
	if fixture.acquire == nil {
		return errors.Errorf("provider state %q has no fixture", descriptor)
	}
	if _, ok := b.fixtures[descriptor]; ok {
		return errors.Wrapf(ErrDuplicateProviderState, "provider state %q", descriptor)
	}
	b.fixtures[descriptor] = fixture
	return nil
}

// Build returns an immutable snapshot of the registered fixtures. The builder
// can keep being used afterwards without affecting the snapshot.
func (b *RegistryBuilder) Build() *Registry {
	fixtures := make(map[string]Fixture, len(b.fixtures))
	for d, f := range b.fixtures {
		fixtures[d] = f
	}
	return &Registry{fixtures: fixtures}
}
