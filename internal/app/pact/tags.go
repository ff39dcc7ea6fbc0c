package pact

import "sort"

// Tags is an unordered set of pact tags.
type Tags map[string]struct{}

func NewTags(tags ...string) Tags {
	t := make(Tags, len(tags))
	for _, tag := range tags {
		if tag != "" {
			t[tag] = struct{}{}
		}
	}
	return t
}

func (t Tags) Has(tag string) bool {
	_, ok := t[tag]
	return ok
}

// Overlaps reports whether the two sets share at least one tag. An empty set
// never overlaps.
func (t Tags) Overlaps(other Tags) bool {
	small, large := t, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for tag := range small {
		if large.Has(tag) {
			return true
		}
	}
	return false
}

func (t Tags) Union(other Tags) Tags {
	u := make(Tags, len(t)+len(other))
	for tag := range t {
		u[tag] = struct{}{}
	}
	for tag := range other {
		u[tag] = struct{}{}
	}
	return u
}

// Sorted returns the tags in lexical order, for display.
func (t Tags) Sorted() []string {
	sorted := make([]string, 0, len(t))
	for tag := range t {
		sorted = append(sorted, tag)
	}
	sort.Strings(sorted)
	return sorted
}
