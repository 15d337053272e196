package environment_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/Homeru/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("HOMERU_TEST_STRING", "hello")
	if got := environment.StringOr("HOMERU_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("HOMERU_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestFirstOr(t *testing.T) {
	t.Setenv("HOMERU_TEST_LEGACY", "legacy")
	if got := environment.FirstOr("def", "HOMERU_TEST_CURRENT", "HOMERU_TEST_LEGACY"); got != "legacy" {
		t.Errorf("expected legacy fallback, got %q", got)
	}
	t.Setenv("HOMERU_TEST_CURRENT", "current")
	if got := environment.FirstOr("def", "HOMERU_TEST_CURRENT", "HOMERU_TEST_LEGACY"); got != "current" {
		t.Errorf("expected current to win, got %q", got)
	}
	if got := environment.FirstOr("def", "HOMERU_TEST_NOPE"); got != "def" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("HOMERU_TEST_REQUIRED", "value")
	v, err := environment.RequiredString("HOMERU_TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}
	if _, err := environment.RequiredString("HOMERU_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("HOMERU_TEST_BOOL", "true")
	if !environment.BoolOr("HOMERU_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("HOMERU_TEST_BOOL", "not-a-bool")
	if !environment.BoolOr("HOMERU_TEST_BOOL", true) {
		t.Error("expected default on parse failure")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("HOMERU_TEST_INT", "42")
	if got := environment.IntOr("HOMERU_TEST_INT", 0); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("HOMERU_TEST_INT", "x")
	if got := environment.IntOr("HOMERU_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestDurationOr(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"200", 200 * time.Second},
		{"3m", 3 * time.Minute},
		{"garbage", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("HOMERU_TEST_DURATION", tt.value)
		if got := environment.DurationOr("HOMERU_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("DurationOr(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("HOMERU_TEST_SLICE", " !a:example.com, ,!b:example.com ")
	got := environment.StringSliceOr("HOMERU_TEST_SLICE", nil)
	want := []string{"!a:example.com", "!b:example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	t.Setenv("HOMERU_TEST_SLICE", " , ")
	if got := environment.StringSliceOr("HOMERU_TEST_SLICE", []string{"d"}); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("expected default, got %v", got)
	}
}
