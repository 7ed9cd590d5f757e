package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Run("trims keys and values and drops blank keys", func(t *testing.T) {
		input := map[string]string{
			" card_token ": " tok_123 ",
			"terminal":     " T-42 ",
			"note":         "  ",
			"  ":           "dropped",
			"":             "dropped",
		}

		expected := map[string]string{
			"card_token": "tok_123",
			"terminal":   "T-42",
			"note":       "",
		}

		if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("nil for nil, empty, or all-blank input", func(t *testing.T) {
		if NormalizeStringMap(nil) != nil {
			t.Fatalf("expected nil for nil input")
		}
		if NormalizeStringMap(map[string]string{}) != nil {
			t.Fatalf("expected nil for empty map")
		}
		if NormalizeStringMap(map[string]string{" ": "x"}) != nil {
			t.Fatalf("expected nil when every key trims away")
		}
	})
}
