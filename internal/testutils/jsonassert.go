package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as the key exists
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	NilToEmptyArray          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
	IgnoreArrayOrder         bool     `default:"false"`
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a new JSONAsserter with default options
func NewJSONAsserter(t *testing.T) *JSONAsserter {
	return newJSONAsserter(t)
}

func newJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// WithOptions applies functional options to the JSONAsserter
func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Options returns a copy of the current options
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals v and compares it against expectedJSON
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.Assert(MustJSON(v), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if isArray(expected) && isArray(actual) {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	if ja.options.AllowPresencePlaceholder {
		replacePresenceWithActual(expected, actual)
	}
	if ja.options.NilToEmptyArray {
		normalizeNilArrays(expected, actual)
	}
	// Ignored fields go before sorting: they would otherwise take part in the sort key
	if len(ja.options.IgnoredFields) > 0 {
		removeIgnoredFields(expected, actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(d)
	return out
}

// walkPairs visits map keys present on both sides and the shared array indexes
func walkPairs(expected, actual interface{}, visit func(exp, act interface{}, set func(exp, act interface{}))) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range exp {
			key := k
			a, present := act[key]
			if !present {
				continue
			}
			visit(exp[key], a, func(e, a interface{}) {
				exp[key] = e
				act[key] = a
			})
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i >= len(act) {
				break
			}
			idx := i
			visit(exp[idx], act[idx], func(e, a interface{}) {
				exp[idx] = e
				act[idx] = a
			})
		}
	}
}

func replacePresenceWithActual(expected, actual interface{}) {
	walkPairs(expected, actual, func(e, a interface{}, set func(e, a interface{})) {
		if s, ok := e.(string); ok && s == PresencePlaceholder {
			set(a, a)
			return
		}
		replacePresenceWithActual(e, a)
	})
}

// normalizeNilArrays turns null into [] where the other side is null or an empty array
func normalizeNilArrays(expected, actual interface{}) {
	walkPairs(expected, actual, func(e, a interface{}, set func(e, a interface{})) {
		if nilOrEmpty(e) && nilOrEmpty(a) && (e == nil || a == nil) {
			set([]interface{}{}, []interface{}{})
			return
		}
		if e != nil && a != nil {
			normalizeNilArrays(e, a)
		}
	})
}

func nilOrEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	arr, ok := v.([]interface{})
	return ok && len(arr) == 0
}

// pruneExtraKeys removes keys in actual that expected does not mention
func pruneExtraKeys(actual, expected interface{}) {
	if exp, ok := expected.(map[string]interface{}); ok {
		if act, ok := actual.(map[string]interface{}); ok {
			for k := range act {
				if _, exists := exp[k]; !exists {
					delete(act, k)
				}
			}
		}
	}
	walkPairs(expected, actual, func(e, a interface{}, _ func(e, a interface{})) {
		pruneExtraKeys(a, e)
	})
}

func removeIgnoredFields(expected, actual interface{}, ignored []string) {
	if exp, ok := expected.(map[string]interface{}); ok {
		if act, ok := actual.(map[string]interface{}); ok {
			for _, field := range ignored {
				delete(exp, field)
				delete(act, field)
			}
		}
	}
	walkPairs(expected, actual, func(e, a interface{}, _ func(e, a interface{})) {
		removeIgnoredFields(e, a, ignored)
	})
}

// WithIgnoreExtraKeys sets whether to ignore extra keys in actual JSON
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreExtraKeys = ignore
	}
}

// WithNilToEmptyArray sets whether to normalize nil arrays to empty arrays
func WithNilToEmptyArray(normalize bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.NilToEmptyArray = normalize
	}
}

// WithAllowPresencePlaceholder sets whether PresencePlaceholder matches any value
func WithAllowPresencePlaceholder(allow bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.AllowPresencePlaceholder = allow
	}
}

// WithIgnoredFields sets field names removed from both sides at every depth
func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoredFields = fields
	}
}

// WithIgnoreArrayOrder sets whether to ignore array element order during comparison
func WithIgnoreArrayOrder(ignore bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreArrayOrder = ignore
	}
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// sortArrays sorts every array by the JSON form of its elements
func sortArrays(data interface{}) {
	switch v := data.(type) {
	case map[string]interface{}:
		for key := range v {
			sortArrays(v[key])
		}
	case []interface{}:
		for _, elem := range v {
			sortArrays(elem)
		}
		sort.SliceStable(v, func(i, j int) bool {
			return MustJSON(v[i]) < MustJSON(v[j])
		})
	}
}
