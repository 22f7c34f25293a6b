// Package statusrender implements dispatch.StatusSink for a terminal: it
// prints the run's counters once per status tick, redrawing in place with a
// carriage return when the output writer is a real terminal (golang.org/x/term) and
// falling back to one-line-per-update plain logging otherwise, so piping to
// a file or CI log doesn't fill up with carriage-return noise.
package statusrender

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"llmbatch/pkg/status"
)

// Renderer writes status.Counters snapshots to an io.Writer, redrawing the
// current line in place when the writer is a terminal.
type Renderer struct {
	mu         sync.Mutex
	w          io.Writer
	isTerminal bool
	lastLen    int
}

// New constructs a Renderer writing to w. Pass os.Stdout for interactive use.
func New(w io.Writer) *Renderer {
	isTerminal := false
	if f, ok := w.(*os.File); ok {
		isTerminal = term.IsTerminal(int(f.Fd()))
	}
	return &Renderer{w: w, isTerminal: isTerminal}
}

// Update implements dispatch.StatusSink.
func (r *Renderer) Update(c status.Counters) {
	line := format(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isTerminal {
		pad := r.lastLen - len(line)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(r.w, "\r%s%s", line, strings.Repeat(" ", pad))
		r.lastLen = len(line)
		return
	}
	fmt.Fprintln(r.w, line)
}

// Finish prints a trailing newline so the next line of output (interactive
// terminals only) doesn't overwrite the final status line.
func (r *Renderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isTerminal {
		fmt.Fprintln(r.w)
	}
}

func format(c status.Counters) string {
	return fmt.Sprintf(
		"started=%d in_progress=%d succeeded=%d failed=%d errors(rate_limit=%d api=%d other=%d) tokens(prompt=%d completion=%d) cost=$%.4f",
		c.TasksStarted, c.TasksInProgress, c.TasksSucceeded, c.TasksFailed,
		c.NumRateLimitErrors, c.NumAPIErrors, c.NumOtherErrors,
		c.TotalPromptTokens, c.TotalCompletionTokens, c.TotalCostUSD,
	)
}
