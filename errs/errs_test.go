package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesSourceAndCause(t *testing.T) {
	err := New(
		"merge/pipelined",
		CodeSource,
		WithSource(3),
		WithMessage("pop failed"),
		WithCause(errors.New("disk read error")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=merge/pipelined") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=source_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "source=3") {
		t.Fatalf("expected source index in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"pop failed\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"disk read error\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestSourceOmittedWhenUnattributed(t *testing.T) {
	err := New("sinks/console", CodeSink)
	if strings.Contains(err.Error(), "source=") {
		t.Fatalf("source marker should be omitted: %s", err.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("merge/sync", CodeSink, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestIsMatchesCodeAndSource(t *testing.T) {
	err := error(New("merge/sync", CodeSource, WithSource(1)))
	if !errors.Is(err, New("", CodeSource)) {
		t.Fatalf("expected match on code with unattributed target")
	}
	if !errors.Is(err, New("", CodeSource, WithSource(1))) {
		t.Fatalf("expected match on code and source")
	}
	if errors.Is(err, New("", CodeSource, WithSource(2))) {
		t.Fatalf("did not expect match on different source")
	}
	if errors.Is(err, New("", CodeSink)) {
		t.Fatalf("did not expect match on different code")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := errors.Join(errors.New("other"), New("x", CodeCanceled))
	code, ok := CodeOf(wrapped)
	if !ok || code != CodeCanceled {
		t.Fatalf("expected canceled code, got %q ok=%v", code, ok)
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatalf("did not expect a code for a plain error")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
