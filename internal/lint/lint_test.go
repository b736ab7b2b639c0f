package lint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// messages flattens diagnostics to "line:severity:message" for compact comparison.
func messages(diags []Diagnostic) []string {
	var out []string
	for _, d := range diags {
		out = append(out, fmt.Sprintf("%d:%s:%s", d.Line, d.Severity, d.Message))
	}
	return out
}

func TestLint_CleanPipeline(t *testing.T) {
	src := `
env:
  GO_VERSION: "1.26"
steps:
  - label: ":go: test"
    key: test
    command: go test ./...
    retry:
      automatic:
        - exit_status: -1
          limit: 2
  - wait
  - label: build
    key: build
    commands:
      - make build
      - make package
    depends_on: test
  - block: "Release?"
    fields:
      - key: version
        text: Version
      - key: env
        select: Environment
        options:
          - label: Prod
            value: prod
  - trigger: deploy-app
    build:
      branch: main
  - group: checks
    steps:
      - label: lint
        command: make lint
        depends_on:
          - step: build
`
	if diags := Lint([]byte(src)); len(diags) != 0 {
		t.Errorf("expected no diagnostics, got:\n%s", strings.Join(messages(diags), "\n"))
	}
}

func TestLint_Rules(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "missing steps",
			src:  "env:\n  A: b\n",
			want: []string{`1:error:missing required key "steps"`},
		},
		{
			name: "empty steps",
			src:  "steps: []\n",
			want: []string{"1:error:steps must be a non-empty list"},
		},
		{
			name: "null steps",
			src:  "steps:\n",
			want: []string{"1:error:steps must be a non-empty list"},
		},
		{
			name: "scalar root",
			src:  "just a string\n",
			want: []string{`1:error:pipeline must be a mapping with a "steps" key`},
		},
		{
			name: "unknown shorthand",
			src:  "steps:\n  - wiat\n",
			want: []string{`2:error:unknown step "wiat"`},
		},
		{
			name: "unknown step type",
			src:  "steps:\n  - label: x\n",
			want: []string{"2:error:unknown step type: expected one of command, wait, block, input, trigger, group"},
		},
		{
			name: "unknown explicit type",
			src:  "steps:\n  - type: deploy\n    label: x\n",
			want: []string{`2:error:unknown step type "deploy"`},
		},
		{
			name: "empty command",
			src:  "steps:\n  - label: x\n    command: \"\"\n",
			want: []string{"3:error:command must not be empty"},
		},
		{
			name: "empty command list",
			src:  "steps:\n  - label: x\n    commands: []\n",
			want: []string{"3:error:command must not be empty"},
		},
		{
			name: "non-string command",
			src:  "steps:\n  - label: x\n    command:\n      run: make\n",
			want: []string{"4:error:command must be a string or a list of strings"},
		},
		{
			name: "missing label is info",
			src:  "steps:\n  - command: make\n",
			want: []string{"2:info:command step has no label"},
		},
		{
			name: "block without label",
			src:  "steps:\n  - block: ~\n",
			want: []string{"2:error:block step requires a non-empty label"},
		},
		{
			name: "input field without text or select",
			src:  "steps:\n  - input: Info\n    fields:\n      - key: name\n",
			want: []string{"4:error:field requires either text or select"},
		},
		{
			name: "select without options",
			src:  "steps:\n  - block: Go\n    fields:\n      - key: env\n        select: Env\n",
			want: []string{"4:error:select field requires a non-empty options list"},
		},
		{
			name: "trigger without slug",
			src:  "steps:\n  - trigger: \"\"\n",
			want: []string{"2:error:trigger step requires a pipeline slug"},
		},
		{
			name: "trigger odd slug",
			src:  "steps:\n  - trigger: Deploy App\n",
			want: []string{`2:warning:trigger target "Deploy App" does not look like a pipeline slug`},
		},
		{
			name: "group without steps",
			src:  "steps:\n  - group: checks\n",
			want: []string{`2:error:group step requires "steps"`},
		},
		{
			name: "nested group",
			src:  "steps:\n  - group: outer\n    steps:\n      - group: inner\n        steps:\n          - wait\n",
			want: []string{"4:error:groups cannot be nested"},
		},
		{
			name: "retry limit too high",
			src:  "steps:\n  - label: x\n    command: make\n    retry:\n      automatic:\n        limit: 11\n",
			want: []string{"6:error:retry limit must be between 0 and 10"},
		},
		{
			name: "retry limit negative in list",
			src:  "steps:\n  - label: x\n    command: make\n    retry:\n      automatic:\n        - limit: -1\n",
			want: []string{"6:error:retry limit must be between 0 and 10"},
		},
		{
			name: "retry limit not integer",
			src:  "steps:\n  - label: x\n    command: make\n    retry:\n      automatic:\n        limit: many\n",
			want: []string{"6:error:retry limit must be an integer"},
		},
		{
			name: "retry automatic wrong type",
			src:  "steps:\n  - label: x\n    command: make\n    retry:\n      automatic: sometimes\n",
			want: []string{"5:error:retry.automatic must be a boolean, mapping, or list of mappings"},
		},
		{
			name: "retry limit at bound ok",
			src:  "steps:\n  - label: x\n    command: make\n    retry:\n      automatic:\n        limit: 10\n      manual: false\n",
			want: nil,
		},
		{
			name: "duplicate keys",
			src:  "steps:\n  - label: a\n    key: k\n    command: a\n  - label: b\n    key: k\n    command: b\n",
			want: []string{`6:error:duplicate step key "k" (first defined on line 3)`},
		},
		{
			name: "unknown dependency",
			src:  "steps:\n  - label: a\n    command: a\n    depends_on: nope\n",
			want: []string{`4:warning:depends_on references unknown step key "nope"`},
		},
		{
			name: "forward dependency resolves",
			src:  "steps:\n  - label: a\n    command: a\n    depends_on: [later]\n  - label: b\n    key: later\n    command: b\n",
			want: nil,
		},
		{
			name: "bad parallelism",
			src:  "steps:\n  - label: a\n    command: a\n    parallelism: 0\n",
			want: []string{"4:error:parallelism must be a positive integer"},
		},
		{
			name: "env must be mapping",
			src:  "env: [A]\nsteps:\n  - wait\n",
			want: []string{"1:error:env must be a mapping"},
		},
		{
			name: "unknown top-level key",
			src:  "stesp: []\nsteps:\n  - wait\n",
			want: []string{`1:warning:unknown top-level key "stesp"`},
		},
		{
			name: "bare step list",
			src:  "- label: a\n  command: a\n- wait\n",
			want: nil,
		},
		{
			name: "plugin-only step",
			src:  "steps:\n  - label: docker\n    plugins:\n      - docker#v5.0.0:\n          image: golang\n",
			want: nil,
		},
		{
			name: "empty document",
			src:  "",
			want: []string{"1:error:pipeline is empty"},
		},
		{
			name: "command type without command",
			src:  "steps:\n  - type: command\n    label: x\n",
			want: []string{"2:error:command step has no command"},
		},
		{
			name: "step merges itself",
			src:  "steps:\n  - &s\n    <<: *s\n    label: x\n    command: make\n",
			want: []string{"3:error:merge key refers to itself"},
		},
		{
			name: "merge list",
			src:  "base: &base\n  command: make\nextra: &extra\n  label: x\nsteps:\n  - <<: [*base, *extra]\n",
			want: []string{`1:warning:unknown top-level key "base"`, `3:warning:unknown top-level key "extra"`},
		},
		{
			name: "anchors and aliases",
			src:  "common: &retry\n  automatic:\n    limit: 20\nsteps:\n  - label: a\n    command: a\n    retry: *retry\n",
			want: []string{`1:warning:unknown top-level key "common"`, "3:error:retry limit must be between 0 and 10"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := messages(Lint([]byte(tt.src)))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("diagnostics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLint_SyntaxError(t *testing.T) {
	diags := Lint([]byte("steps:\n  - label: a\n   command: [unterminated\n"))
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %v", len(diags), diags)
	}
	if diags[0].Severity != SeverityError {
		t.Errorf("severity = %s, want error", diags[0].Severity)
	}
	if !strings.HasPrefix(diags[0].Message, "yaml:") {
		t.Errorf("message = %q, want the parser error", diags[0].Message)
	}
}

func TestLint_SortedByPosition(t *testing.T) {
	src := "steps:\n  - label: a\n    command: a\n    depends_on: zzz\n  - nope\n  - label: b\n    command: \"\"\n"
	diags := Lint([]byte(src))
	for i := 1; i < len(diags); i++ {
		if diags[i].Line < diags[i-1].Line {
			t.Fatalf("diagnostics not sorted: %v", diags)
		}
	}
	if len(diags) != 3 {
		t.Errorf("got %d diagnostics, want 3: %v", len(diags), diags)
	}
}

func TestHasErrorsAndCount(t *testing.T) {
	diags := []Diagnostic{
		{Severity: SeverityWarning},
		{Severity: SeverityInfo},
		{Severity: SeverityInfo},
	}
	if HasErrors(diags) {
		t.Error("HasErrors = true with no errors")
	}
	diags = append(diags, Diagnostic{Severity: SeverityError})
	if !HasErrors(diags) {
		t.Error("HasErrors = false with an error")
	}
	want := map[Severity]int{SeverityError: 1, SeverityWarning: 1, SeverityInfo: 2}
	if diff := cmp.Diff(want, Count(diags)); diff != "" {
		t.Errorf("Count mismatch (-want +got):\n%s", diff)
	}
}

func TestDiagnosticString(t *testing.T) {
	d := Diagnostic{Line: 3, Column: 5, Severity: SeverityError, Message: "bad"}
	if got := d.String(); got != "3:5: error: bad" {
		t.Errorf("String = %q", got)
	}
}

func TestLintFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yml")
	os.WriteFile(path, []byte("steps:\n  - wait\n"), 0644)

	diags, err := LintFile(path)
	if err != nil {
		t.Fatalf("LintFile: %v", err)
	}
	if len(diags) != 0 {
		t.Errorf("diagnostics = %v", diags)
	}

	if _, err := LintFile(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
