// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"cuelang.org/go/cue"
)

const testSchema = `
#Doc: {
	name:  string & =~"^[a-z]+$"
	count: *1 | int & >=1
	tags?: [...string]
}
`

type testDoc struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestParseAndDecode(t *testing.T) {
	t.Parallel()

	res, err := ParseAndDecode[testDoc]([]byte(testSchema), []byte(`name: "echo", tags: ["a"]`), "#Doc", WithFilename("doc.cue"))
	if err != nil {
		t.Fatalf("ParseAndDecode() error = %v", err)
	}
	if res.Value.Name != "echo" || res.Value.Count != 1 || !slices.Equal(res.Value.Tags, []string{"a"}) {
		t.Errorf("decoded = %+v", res.Value)
	}
}

func TestParseAndDecode_SchemaViolation(t *testing.T) {
	t.Parallel()

	_, err := ParseAndDecode[testDoc]([]byte(testSchema), []byte(`name: "Echo"`), "#Doc", WithFilename("doc.cue"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "doc.cue: name") {
		t.Errorf("error should name the file and path, got: %v", err)
	}
	if strings.Contains(err.Error(), "#Doc") {
		t.Errorf("error should not expose the schema definition, got: %v", err)
	}
}

func TestDecodeValue(t *testing.T) {
	t.Parallel()

	data := map[string]any{"name": "worker", "count": int64(3)}
	res, err := DecodeValue[testDoc]([]byte(testSchema), data, "#Doc")
	if err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if res.Value.Name != "worker" || res.Value.Count != 3 {
		t.Errorf("decoded = %+v", res.Value)
	}

	if _, err := DecodeValue[testDoc]([]byte(testSchema), map[string]any{"name": "x", "extra": true}, "#Doc"); err == nil {
		t.Error("expected closed definition to reject unknown field")
	}
}

func TestPrecheck(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("rejected")
	check := func(v cue.Value) error {
		labels, err := FieldLabels(v, "")
		if err != nil {
			return err
		}
		if slices.Contains(labels, "bogus") {
			return sentinel
		}
		return nil
	}

	_, err := ParseAndDecode[testDoc]([]byte(testSchema), []byte(`name: "x", bogus: 1`), "#Doc", WithPrecheck(check))
	if !errors.Is(err, sentinel) {
		t.Errorf("expected precheck error before schema validation, got %v", err)
	}
}

func TestFieldLabels_MissingPath(t *testing.T) {
	t.Parallel()

	res, err := ParseAndDecode[testDoc]([]byte(testSchema), []byte(`name: "x"`), "#Doc")
	if err != nil {
		t.Fatal(err)
	}
	labels, err := FieldLabels(res.Unified, "missing")
	if err != nil || labels != nil {
		t.Errorf("FieldLabels(missing) = %v, %v", labels, err)
	}
}
