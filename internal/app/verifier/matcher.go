package verifier

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/zhammer/faaspact-verifier/internal/app/pact"
)

// Matcher compares the response a provider produced against the response an
// interaction expects. Diagnostics are only meaningful when the verdict is false.
type Matcher interface {
	Match(expected, actual pact.Response) (bool, []string)
}

// RuleMatcher is the default Matcher. It checks the status code, every expected
// header and the expected body, honouring v2 and v3 response matching rules.
// Extra headers and extra object keys in the actual response are allowed.
type RuleMatcher struct{}

func (RuleMatcher) Match(expected, actual pact.Response) (bool, []string) {
	c := &comparison{}

	rules, err := parseMatchingRules(expected.MatchingRules)
	if err != nil {
		return false, []string{fmt.Sprintf("unable to parse matching rules. %s", err)}
	}
	c.rules = rules

	if expected.Status != actual.Status {
		c.failf("expected status %d but was %d", expected.Status, actual.Status)
	}
	c.compareHeaders(expected.Headers, actual.Headers)
	if expected.Body != nil {
		c.compareBody(expected.Body, actual.Body)
	}

	return len(c.violations) == 0, c.violations
}

type comparison struct {
	rules      matchingRules
	violations []string
}

func (c *comparison) failf(format string, args ...interface{}) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

func (c *comparison) compareHeaders(expected, actual map[string]string) {
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, found := lookupHeader(actual, name)
		if !found {
			c.failf("missing header %q", name)
			continue
		}
		if rule, ok := c.rules.header[strings.ToLower(name)]; ok {
			if ok, reason := rule.apply(expected[name], value); !ok {
				c.failf("header %q %s", name, reason)
			}
			continue
		}
		if normalizeHeaderValue(expected[name]) != normalizeHeaderValue(value) {
			c.failf("expected header %q to be %q but was %q", name, expected[name], value)
		}
	}
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func normalizeHeaderValue(v string) string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}

func (c *comparison) compareBody(expected, actual interface{}) {
	normalized, err := normalizeBody(actual)
	if err != nil {
		c.failf("unable to read actual body. %s", err)
		return
	}
	c.walk(nil, expected, normalized, false)
	c.applyBodyRules(expected, normalized)
}

// normalizeBody round-trips a body through JSON so that bodies built from Go
// values compare like decoded pact documents.
func normalizeBody(body interface{}) (interface{}, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var normalized interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// walk checks the structure of the actual body against the expected body.
// Values covered by a non-type rule are left to applyBodyRules; a type rule
// relaxes equality to type equality for the value and everything beneath it.
func (c *comparison) walk(path []segment, expected, actual interface{}, typeOnly bool) {
	if rule, ok := c.rules.bodyRule(path); ok {
		if rule.hasType() {
			typeOnly = true
		} else if !isContainer(expected) {
			return
		}
	}
	at := formatPath(path)

	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			c.failf("expected an object at %s but was %s", at, jsonKind(actual))
			return
		}
		for _, key := range sortedKeys(exp) {
			value, present := act[key]
			if !present {
				c.failf("missing key %q at %s", key, at)
				continue
			}
			c.walk(appendSegment(path, keySegment(key)), exp[key], value, typeOnly)
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			c.failf("expected an array at %s but was %s", at, jsonKind(actual))
			return
		}
		if typeOnly {
			if len(exp) == 0 {
				return
			}
			for i, value := range act {
				c.walk(appendSegment(path, indexSegment(i)), exp[0], value, true)
			}
			return
		}
		if len(act) != len(exp) {
			c.failf("expected an array of length %d at %s but was %d", len(exp), at, len(act))
			return
		}
		for i := range exp {
			c.walk(appendSegment(path, indexSegment(i)), exp[i], act[i], false)
		}
	default:
		if typeOnly {
			if jsonKind(expected) != jsonKind(actual) {
				c.failf("expected a %s at %s but was %s", jsonKind(expected), at, jsonKind(actual))
			}
			return
		}
		if !equalValues(expected, actual) {
			c.failf("expected %s at %s but was %s", describe(expected), at, describe(actual))
		}
	}
}

func appendSegment(path []segment, s segment) []segment {
	next := make([]segment, len(path), len(path)+1)
	copy(next, path)
	return append(next, s)
}

// applyBodyRules evaluates every body rule against the values its path selects
// in the actual body.
func (c *comparison) applyBodyRules(expected, actual interface{}) {
	for _, rule := range c.rules.body {
		expectedValue, expectedErr := jsonpath.Get(rule.path, expected)
		actualValue, err := jsonpath.Get(rule.path, actual)
		if err != nil {
			if expectedErr == nil {
				c.failf("unable to apply matching rule at %s. %s", rule.path, err)
			}
			continue
		}

		values := []interface{}{actualValue}
		template := expectedValue
		if isMultiPath(rule.path) {
			values, _ = actualValue.([]interface{})
			template = nil
			if expectedValues, ok := expectedValue.([]interface{}); ok && len(expectedValues) > 0 {
				template = expectedValues[0]
			}
		}
		if expectedErr != nil {
			template = nil
		}

		for _, value := range values {
			if ok, reason := rule.apply(template, value); !ok {
				c.failf("value %s at %s %s", describe(value), rule.path, reason)
			}
		}
	}
}

func (r ruleSet) apply(template, value interface{}) (bool, string) {
	var reasons []string
	for _, m := range r.matchers {
		ok, reason := m.check(template, value)
		if ok && r.combine == combineOr {
			return true, ""
		}
		if !ok {
			reasons = append(reasons, reason)
		}
	}
	if len(reasons) == 0 {
		return true, ""
	}
	return false, strings.Join(reasons, " and ")
}

func (m matcherDef) check(template, value interface{}) (bool, string) {
	if items, ok := value.([]interface{}); ok {
		if m.Min != nil && len(items) < *m.Min {
			return false, fmt.Sprintf("has %d elements, expected at least %d", len(items), *m.Min)
		}
		if m.Max != nil && len(items) > *m.Max {
			return false, fmt.Sprintf("has %d elements, expected at most %d", len(items), *m.Max)
		}
	}

	switch m.Match {
	case "type":
		if template != nil && jsonKind(template) != jsonKind(value) {
			return false, fmt.Sprintf("is a %s, expected a %s", jsonKind(value), jsonKind(template))
		}
	case "regex":
		re, err := regexp.Compile("^(?:" + m.Regex + ")$")
		if err != nil {
			return false, fmt.Sprintf("cannot be matched, invalid regex %q", m.Regex)
		}
		s, ok := scalarString(value)
		if !ok || !re.MatchString(s) {
			return false, fmt.Sprintf("does not match regex %q", m.Regex)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return false, "is not an integer"
		}
	case "decimal", "number":
		if _, ok := value.(float64); !ok {
			return false, "is not a number"
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return false, "is not a boolean"
		}
	case "null":
		if value != nil {
			return false, "is not null"
		}
	case "equality":
		if !equalValues(template, value) {
			return false, fmt.Sprintf("is not equal to %s", describe(template))
		}
	case "include":
		s, ok := scalarString(value)
		if !ok || !strings.Contains(s, fmt.Sprintf("%v", m.Value)) {
			return false, fmt.Sprintf("does not include %v", m.Value)
		}
	case "date", "time", "timestamp":
		if _, ok := value.(string); !ok {
			return false, fmt.Sprintf("is not a %s string", m.Match)
		}
	default:
		return false, fmt.Sprintf("cannot be matched, unsupported matcher %q", m.Match)
	}
	return true, ""
}

func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", val), ".0"), true
	case bool:
		return fmt.Sprintf("%v", val), true
	}
	return "", false
}

func equalValues(a, b interface{}) bool {
	fa, aIsNumber := a.(float64)
	fb, bIsNumber := b.(float64)
	if aIsNumber && bIsNumber {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func isContainer(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	}
	return false
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
