package scripted

import (
	"context"
	"strings"
	"testing"
	"time"
)

const newLinesScript = `
def report(initial, current):
    before = initial.splitlines()
    return [line + " appeared" for line in current.splitlines() if line not in before]
`

func TestEvaluatorReport(t *testing.T) {
	evaluator, err := NewEvaluator(5*time.Second, map[string]any{"limit": 2, "ignored": []any{"noise"}})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		initial string
		current string
		want    []string
		wantErr string
	}{
		{
			name:    "nothing changed",
			script:  newLinesScript,
			initial: "a\nb",
			current: "a\nb",
			want:    []string{},
		},
		{
			name:    "new lines",
			script:  newLinesScript,
			initial: "a",
			current: "a\nb\nc",
			want:    []string{"b appeared", "c appeared"},
		},
		{
			name: "predeclared variables",
			script: `
def report(initial, current):
    lines = [l for l in current.splitlines() if l not in ignored]
    if len(lines) > limit:
        return ["%d lines" % len(lines)]
    return []
`,
			current: "noise\nx\ny\nz",
			want:    []string{"3 lines"},
		},
		{
			name: "json output",
			script: `
def report(initial, current):
    before = json.decode(initial)
    after = json.decode(current)
    return [k for k in after if after[k] != before.get(k)]
`,
			initial: `{"Run": "explorer.exe"}`,
			current: `{"Run": "explorer.exe", "Locker": "C:\\\\evil.exe"}`,
			want:    []string{"Locker"},
		},
		{
			name:    "none means unchanged",
			script:  "def report(initial, current):\n    return None\n",
			want:    nil,
		},
		{
			name:    "non string evidence",
			script:  "def report(initial, current):\n    return (1, True)\n",
			want:    []string{"1", "True"},
		},
		{
			name:    "wrong result type",
			script:  "def report(initial, current):\n    return 'changed'\n",
			wantErr: "must return a list",
		},
		{
			name:    "runtime error",
			script:  "def report(initial, current):\n    return 1 / 0\n",
			wantErr: "starlark execution failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Report(ctx, tt.script, tt.initial, tt.current)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Report() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Report() error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Report() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluatorCheck(t *testing.T) {
	evaluator, err := NewEvaluator(0, nil)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	if err := evaluator.Check(newLinesScript); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	if err := evaluator.Check("x = 1\n"); err == nil || !strings.Contains(err.Error(), "must define a report") {
		t.Errorf("Check() error = %v, want missing report", err)
	}
	if err := evaluator.Check("def report(:\n"); err == nil {
		t.Error("Check() expected a syntax error")
	}
}

func TestEvaluatorTimeout(t *testing.T) {
	evaluator, err := NewEvaluator(50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	script := `
def report(initial, current):
    n = 0
    for i in range(100000000):
        n += i
    return []
`
	_, err = evaluator.Report(context.Background(), script, "", "")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Report() error = %v, want timeout", err)
	}
}

func TestNewEvaluatorRejectsUnsupportedVars(t *testing.T) {
	if _, err := NewEvaluator(0, map[string]any{"bad": struct{}{}}); err == nil {
		t.Error("NewEvaluator() expected an error for an unsupported variable")
	}
}
