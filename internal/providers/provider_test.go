package providers

import (
	"context"
	"fmt"
	"testing"
)

func TestDescriptor_Cost(t *testing.T) {
	d := Descriptor{UnitCost: 0.01}

	if got := d.Cost(1000); got != 0.01 {
		t.Errorf("Cost(1000) = %f, want 0.01", got)
	}
	if got := d.Cost(0); got != 0 {
		t.Errorf("Cost(0) = %f, want 0", got)
	}
}

func TestIsUnauthorized(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&Error{Provider: "openai", StatusCode: 401, Message: "bad key"}, true},
		{&Error{Provider: "openai", StatusCode: 403, Message: "forbidden"}, true},
		{&Error{Provider: "openai", StatusCode: 500, Message: "boom"}, false},
		{fmt.Errorf("plain error"), false},
		{fmt.Errorf("wrapped: %w", &Error{StatusCode: 401}), true},
	}
	for _, c := range cases {
		if got := IsUnauthorized(c.err); got != c.want {
			t.Errorf("IsUnauthorized(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{&Error{StatusCode: 502}, "http_502"},
		{fmt.Errorf("mystery"), "unknown"},
	}
	for _, c := range cases {
		if got := ClassifyError(c.err); got != c.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestKnownModel(t *testing.T) {
	if !KnownModel("gpt-3.5-turbo") {
		t.Error("gpt-3.5-turbo should be known")
	}
	if KnownModel("made-up-model-9000") {
		t.Error("unknown model should not be known")
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Provider: "groq", StatusCode: 503, Message: "overloaded"}
	want := "groq: overloaded (status=503)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
