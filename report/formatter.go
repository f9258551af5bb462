package report

import (
	"fmt"
	"strconv"
	"time"
)

type Formatter struct{}

func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format builds the report for one outcome under the given header.
func (f *Formatter) Format(header string, o Outcome) *Report {
	r := &Report{
		Kind:   o.Kind,
		Header: header,
	}

	switch o.Kind {
	case Completed:
		r.Segments = f.completed(o)
	case CompilationFailed:
		r.Segments = []Segment{{Label: LabelCompilationError, Text: stderrOf(o)}}
	case ExecutionTimeout, ToolTimeout:
		r.Segments = f.timedOut(o)
	default:
		r.Segments = []Segment{{Text: f.describe(o)}}
	}
	return r
}

func (f *Formatter) completed(o Outcome) []Segment {
	var segments []Segment
	stdout, stderr := stdoutOf(o), stderrOf(o)

	if o.Phase == PhaseExecute {
		segments = append(segments, Segment{Label: LabelProgramOutput, Text: stdout})
	} else if stdout != "" {
		segments = append(segments, Segment{Text: stdout})
	}
	if stderr != "" {
		segments = append(segments, Segment{Label: LabelErrors, Text: stderr})
	}
	return segments
}

func (f *Formatter) timedOut(o Outcome) []Segment {
	subject := o.Tool
	if o.Phase == PhaseExecute || subject == "" {
		subject = "Program"
	}
	segments := []Segment{{
		Text: fmt.Sprintf("%s timed out after %s\n", subject, seconds(o.Timeout)),
	}}
	if stdout := stdoutOf(o); stdout != "" {
		segments = append(segments, Segment{Label: LabelPartialOutput, Text: stdout})
	}
	return segments
}

// describe renders an error outcome with its diagnostic trace. Errors that
// carry a stack print it with %+v.
func (f *Formatter) describe(o Outcome) string {
	if o.Err == nil {
		return fmt.Sprintf("Error: %s\n", o.Kind)
	}
	return fmt.Sprintf("Error: %s\n\n%+v\n", o.Err, o.Err)
}

func stdoutOf(o Outcome) string {
	if o.Result == nil {
		return ""
	}
	return o.Result.Stdout
}

func stderrOf(o Outcome) string {
	if o.Result == nil {
		return ""
	}
	return o.Result.Stderr
}

func seconds(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if s == "1" {
		return s + " second"
	}
	return s + " seconds"
}
