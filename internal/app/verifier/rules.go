package verifier

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	combineAnd = "AND"
	combineOr  = "OR"
)

type matcherDef struct {
	Match string
	Regex string
	Value interface{}
	Min   *int
	Max   *int
}

type ruleSet struct {
	path     string
	segments []segment
	matchers []matcherDef
	combine  string
}

func (r ruleSet) hasType() bool {
	for _, m := range r.matchers {
		if m.Match == "type" {
			return true
		}
	}
	return false
}

// specificity is the number of concrete segments, used to pick between
// several rules matching the same path.
func (r ruleSet) specificity() int {
	n := 0
	for _, s := range r.segments {
		if !s.wildcard() {
			n++
		}
	}
	return n
}

type matchingRules struct {
	body   []ruleSet
	header map[string]ruleSet
}

// parseMatchingRules normalises a response matchingRules map.
// It understands both v2 style matching rules ( "$.body.data.id": { "regex": "<exp>" } )
// and v3 style matching rules ( "body": { "$.data.id": { "matchers": [...] } } ).
func parseMatchingRules(raw map[string]interface{}) (matchingRules, error) {
	rules := matchingRules{header: map[string]ruleSet{}}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		switch {
		case k == "body":
			properties, ok := v.(map[string]interface{})
			if !ok {
				return rules, errors.New("invalid v3 body matching rules")
			}
			for _, path := range sortedKeys(properties) {
				if err := rules.addBodyRule(path, properties[path]); err != nil {
					return rules, err
				}
			}
		case k == "header" || k == "headers":
			headers, ok := v.(map[string]interface{})
			if !ok {
				return rules, errors.New("invalid v3 header matching rules")
			}
			for _, name := range sortedKeys(headers) {
				if err := rules.addHeaderRule(name, headers[name]); err != nil {
					return rules, err
				}
			}
		case k == "$.body" || strings.HasPrefix(k, "$.body.") || strings.HasPrefix(k, "$.body["):
			if err := rules.addBodyRule("$"+strings.TrimPrefix(k, "$.body"), v); err != nil {
				return rules, err
			}
		case strings.HasPrefix(k, "$.headers."):
			if err := rules.addHeaderRule(strings.TrimPrefix(k, "$.headers."), v); err != nil {
				return rules, err
			}
		case strings.HasPrefix(k, "$.header."):
			if err := rules.addHeaderRule(strings.TrimPrefix(k, "$.header."), v); err != nil {
				return rules, err
			}
		}
	}
	return rules, nil
}

func (r *matchingRules) addBodyRule(path string, raw interface{}) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}
	set, err := parseRuleSet(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid matching rule at %s", path)
	}
	set.path = path
	set.segments = segments
	r.body = append(r.body, set)
	return nil
}

func (r *matchingRules) addHeaderRule(name string, raw interface{}) error {
	set, err := parseRuleSet(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid matching rule for header %s", name)
	}
	set.path = name
	r.header[strings.ToLower(name)] = set
	return nil
}

// bodyRule finds the most specific rule whose path matches path exactly.
func (r *matchingRules) bodyRule(path []segment) (ruleSet, bool) {
	var best ruleSet
	found := false
	for _, set := range r.body {
		if !pathMatches(set.segments, path) {
			continue
		}
		if !found || set.specificity() > best.specificity() {
			best = set
			found = true
		}
	}
	return best, found
}

// parseRuleSet reads a v3 { "matchers": [...], "combine": "AND" } entry or a
// v2 { "match": "type", "min": 1 } / { "regex": "<exp>" } entry.
func parseRuleSet(raw interface{}) (ruleSet, error) {
	entry, ok := raw.(map[string]interface{})
	if !ok {
		return ruleSet{}, errors.New("rule is not an object")
	}

	set := ruleSet{combine: combineAnd}
	if combine, ok := entry["combine"].(string); ok && strings.EqualFold(combine, combineOr) {
		set.combine = combineOr
	}

	rawMatchers, isV3 := entry["matchers"]
	if !isV3 {
		m, err := parseMatcher(entry)
		if err != nil {
			return ruleSet{}, err
		}
		set.matchers = []matcherDef{m}
		return set, nil
	}

	matchers, ok := rawMatchers.([]interface{})
	if !ok || len(matchers) == 0 {
		return ruleSet{}, errors.New("invalid matchers")
	}
	for _, rm := range matchers {
		matcher, ok := rm.(map[string]interface{})
		if !ok {
			return ruleSet{}, errors.New("matcher is not an object")
		}
		m, err := parseMatcher(matcher)
		if err != nil {
			return ruleSet{}, err
		}
		set.matchers = append(set.matchers, m)
	}
	return set, nil
}

func parseMatcher(raw map[string]interface{}) (matcherDef, error) {
	m := matcherDef{Value: raw["value"]}
	m.Match, _ = raw["match"].(string)

	if regex, ok := raw["regex"]; ok {
		s, ok := regex.(string)
		if !ok {
			return m, errors.New("invalid regex type")
		}
		m.Regex = s
		if m.Match == "" {
			m.Match = "regex"
		}
	}

	var err error
	if m.Min, err = optionalInt(raw, "min"); err != nil {
		return m, err
	}
	if m.Max, err = optionalInt(raw, "max"); err != nil {
		return m, err
	}
	if m.Match == "" && (m.Min != nil || m.Max != nil) {
		m.Match = "type"
	}
	if m.Match == "" {
		return m, errors.New("matcher has no match type")
	}
	return m, nil
}

func optionalInt(raw map[string]interface{}, key string) (*int, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 {
		return nil, errors.Errorf("%s must be a positive integer", key)
	}
	n := int(f)
	return &n, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type segmentKind int

const (
	segmentKey segmentKind = iota
	segmentIndex
	segmentAnyKey
	segmentAnyIndex
)

type segment struct {
	kind  segmentKind
	key   string
	index int
}

func (s segment) wildcard() bool {
	return s.kind == segmentAnyKey || s.kind == segmentAnyIndex
}

func (s segment) String() string {
	switch s.kind {
	case segmentKey:
		if strings.ContainsAny(s.key, ".[]' ") {
			return "['" + s.key + "']"
		}
		return "." + s.key
	case segmentIndex:
		return "[" + strconv.Itoa(s.index) + "]"
	case segmentAnyKey:
		return ".*"
	}
	return "[*]"
}

func keySegment(key string) segment { return segment{kind: segmentKey, key: key} }

func indexSegment(i int) segment { return segment{kind: segmentIndex, index: i} }

func formatPath(path []segment) string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range path {
		b.WriteString(s.String())
	}
	return b.String()
}

// parsePath splits a matching-rule path such as $.friends[*].name or
// $['first name'] into segments.
func parsePath(path string) ([]segment, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, errors.Errorf("invalid matching rule path %q", path)
	}
	rest := path[1:]
	var segments []segment
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			name := rest[:end]
			rest = rest[end:]
			if name == "" {
				return nil, errors.Errorf("invalid matching rule path %q", path)
			}
			if name == "*" {
				segments = append(segments, segment{kind: segmentAnyKey})
			} else {
				segments = append(segments, keySegment(name))
			}
		case '[':
			end := strings.Index(rest, "]")
			if end < 0 {
				return nil, errors.Errorf("invalid matching rule path %q", path)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			switch {
			case inner == "*":
				segments = append(segments, segment{kind: segmentAnyIndex})
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"'):
				segments = append(segments, keySegment(inner[1:len(inner)-1]))
			default:
				i, err := strconv.Atoi(inner)
				if err != nil {
					return nil, errors.Errorf("invalid index %q in matching rule path %q", inner, path)
				}
				segments = append(segments, indexSegment(i))
			}
		default:
			return nil, errors.Errorf("invalid matching rule path %q", path)
		}
	}
	return segments, nil
}

func pathMatches(rule, path []segment) bool {
	if len(rule) != len(path) {
		return false
	}
	for i, r := range rule {
		p := path[i]
		switch r.kind {
		case segmentKey:
			if p.kind != segmentKey || p.key != r.key {
				return false
			}
		case segmentIndex:
			if p.kind != segmentIndex || p.index != r.index {
				return false
			}
		case segmentAnyKey:
			if p.kind != segmentKey {
				return false
			}
		case segmentAnyIndex:
			if p.kind != segmentIndex {
				return false
			}
		}
	}
	return true
}

func isMultiPath(path string) bool {
	return strings.Contains(path, "*") || strings.Contains(path, "..")
}

func describe(v interface{}) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprintf("%v", v)
}
