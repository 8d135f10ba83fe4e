package logging

import "testing"

func TestResolveFormatAuto(t *testing.T) {
	orig := stdoutIsTerminal
	t.Cleanup(func() { stdoutIsTerminal = orig })

	stdoutIsTerminal = func() bool { return true }
	if got := resolveFormat("auto"); got != "console" {
		t.Fatalf("expected console on a terminal, got %q", got)
	}
	stdoutIsTerminal = func() bool { return false }
	if got := resolveFormat(""); got != "json" {
		t.Fatalf("expected json off a terminal, got %q", got)
	}
	if got := resolveFormat(" JSON "); got != "json" {
		t.Fatalf("expected explicit format preserved, got %q", got)
	}
}
