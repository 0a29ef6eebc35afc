package engine

import (
	"strings"
	"testing"
)

func TestSubstituteVars(t *testing.T) {
	got := SubstituteVars("Analyze {{ title }} in {{project}}", map[string]string{
		"title":   "the parser",
		"project": "emdx",
	})
	want := "Analyze the parser in emdx"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteVarsLeavesUnknownPlaceholders(t *testing.T) {
	got := SubstituteVars("fix {{bug}} in {{file}}", map[string]string{"bug": "race"})
	want := "fix race in {{file}}"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteVarsNoVars(t *testing.T) {
	tmpl := "untouched {{thing}}"
	if got := SubstituteVars(tmpl, nil); got != tmpl {
		t.Fatalf("got %q, want template unchanged", got)
	}
}

func TestOutputInstruction(t *testing.T) {
	got := OutputInstruction(SaveOptions{
		Title: "Analysis",
		Tags:  []string{"analysis", "auto"},
		Group: "sprint-7",
	})
	for _, want := range []string{
		`emdx save`,
		`--title "Analysis"`,
		`--tags "analysis,auto"`,
		`--group "sprint-7"`,
		"Saved as #<id>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("instruction missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "PR_URL") {
		t.Fatal("PR instruction must be opt-in")
	}
}

func TestOutputInstructionOpenPR(t *testing.T) {
	got := OutputInstruction(SaveOptions{OpenPR: true})
	if !strings.Contains(got, "PR_URL: <url>") {
		t.Fatalf("missing PR instruction:\n%s", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("review {{target}}", map[string]string{"target": "main.go"}, &SaveOptions{})
	if !strings.HasPrefix(got, "review main.go") {
		t.Fatalf("substitution lost: %q", got)
	}
	if !strings.Contains(got, "emdx save") {
		t.Fatalf("save instruction missing: %q", got)
	}

	plain := BuildPrompt("just this", nil, nil)
	if plain != "just this" {
		t.Fatalf("got %q", plain)
	}
}
