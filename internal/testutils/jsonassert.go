package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence matches any actual value for the same key.
const Presence = "<<PRESENCE>>"

type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// JSONOption is a functional option for configuring AssertJSON
type JSONOption func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// AssertJSON compares two JSON objects structurally. Keys present only in
// actual are ignored by default, and Presence in expected matches any value.
func AssertJSON(t TestingT, actualJSON, expectedJSON string, opts ...JSONOption) bool {
	t.Helper()

	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	if diff := JSONDiff(actualJSON, expectedJSON, o); diff != "" {
		t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff returns an empty string when both documents match.
func JSONDiff(actualJSON, expectedJSON string, o JSONAssertOptions) string {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	for _, field := range o.IgnoredFields {
		delete(expected, field)
		delete(actual, field)
	}
	reconcile(expected, actual, o.IgnoreExtraKeys)

	differ := gojsondiff.New()
	diff := differ.CompareObjects(expected, actual)
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON diff formatting failed: %v", err)
	}
	return out
}

// reconcile resolves Presence placeholders and prunes extra keys in place.
func reconcile(expected, actual map[string]interface{}, pruneExtra bool) {
	for k, ev := range expected {
		av, ok := actual[k]
		if s, isStr := ev.(string); isStr && s == Presence && ok {
			expected[k] = av
			continue
		}
		em, eok := ev.(map[string]interface{})
		am, aok := av.(map[string]interface{})
		if eok && aok {
			reconcile(em, am, pruneExtra)
		}
	}
	if !pruneExtra {
		return
	}
	for k := range actual {
		if _, ok := expected[k]; !ok {
			delete(actual, k)
		}
	}
}
