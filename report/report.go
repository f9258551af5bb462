// Package report turns the outcome of a pipeline run into the ordered,
// human-readable text shown to the caller.
package report

import (
	"strings"
	"time"

	"github.com/bskracic/cpipe/runtime"
)

// Kind classifies how a run ended.
type Kind string

const (
	Completed         Kind = "completed"
	StorageFailed     Kind = "storage_failed"
	ToolUnavailable   Kind = "tool_unavailable"
	CompilationFailed Kind = "compilation_failed"
	ExecutionTimeout  Kind = "execution_timeout"
	ToolTimeout       Kind = "tool_timeout"
	Cancelled         Kind = "cancelled"
	UnexpectedError   Kind = "unexpected_error"
)

// Phase is the part of a run an outcome comes from.
type Phase string

const (
	PhaseAnalysis Phase = "analysis"
	PhaseCompile  Phase = "compile"
	PhaseExecute  Phase = "execute"
)

// Segment labels.
const (
	LabelProgramOutput    = "Program Output"
	LabelErrors           = "Errors"
	LabelCompilationError = "Compilation Error"
	LabelPartialOutput    = "Partial Output"
)

// Outcome is what a run produced: a process result, an error, or both.
type Outcome struct {
	Kind  Kind
	Phase Phase
	// Tool names the external program, for messages.
	Tool   string
	Result *runtime.ExecResult
	// Timeout is the bound that expired, for timeout kinds.
	Timeout time.Duration
	Err     error
}

type Segment struct {
	Label string `json:"label,omitempty"`
	Text  string `json:"text"`
}

type Report struct {
	Stage    string
	Kind     Kind
	Header   string
	Segments []Segment
	Duration time.Duration
}

// String renders the header, a blank line, then each segment. A labeled
// segment starts with "Label:" on its own line.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString(r.Header)
	b.WriteString("\n\n")
	for i, s := range r.Segments {
		if s.Label != "" {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(s.Label)
			b.WriteString(":\n")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Output returns the primary output of the run: the tool's stdout for the
// analysis stages or the program's stdout for compile-and-run.
func (r *Report) Output() string {
	for _, s := range r.Segments {
		if s.Label == "" || s.Label == LabelProgramOutput {
			return s.Text
		}
	}
	return ""
}

// Section returns the text of the segment with the given label.
func (r *Report) Section(label string) (string, bool) {
	for _, s := range r.Segments {
		if s.Label == label {
			return s.Text, true
		}
	}
	return "", false
}

func (r *Report) HasErrors() bool {
	_, ok := r.Section(LabelErrors)
	return ok
}
