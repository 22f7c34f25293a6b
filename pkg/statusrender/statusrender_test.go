package statusrender

import (
	"bytes"
	"strings"
	"testing"

	"llmbatch/pkg/status"
)

func TestUpdateNonTerminalWritesPlainLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Update(status.Counters{TasksStarted: 5, TasksSucceeded: 3})

	out := buf.String()
	if !strings.Contains(out, "started=5") || !strings.Contains(out, "succeeded=3") {
		t.Errorf("unexpected output: %q", out)
	}
	if strings.Contains(out, "\r") {
		t.Error("expected no carriage return when writer isn't a terminal")
	}
}

func TestUpdateMultipleWritesMultipleLines(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Update(status.Counters{TasksStarted: 1})
	r.Update(status.Counters{TasksStarted: 2})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}

func TestFinishOnNonTerminalIsNoop(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Finish()
	if buf.Len() != 0 {
		t.Errorf("expected no output from Finish on a non-terminal writer, got %q", buf.String())
	}
}

func TestFormatIncludesCost(t *testing.T) {
	line := format(status.Counters{TotalCostUSD: 1.2345})
	if !strings.Contains(line, "cost=$1.2345") {
		t.Errorf("unexpected format output: %q", line)
	}
}
