package server_test

import (
	"context"
	"sync"
	"time"

	"github.com/bskracic/cpipe/report"
	"github.com/bskracic/cpipe/runner"
)

// echoPipeline answers every stage with the source as output.
type echoPipeline struct {
	mu    sync.Mutex
	calls []string
}

func (e *echoPipeline) record(stage runner.Stage, source string) *report.Report {
	e.mu.Lock()
	e.calls = append(e.calls, string(stage)+":"+source)
	e.mu.Unlock()
	return &report.Report{
		Stage:    string(stage),
		Kind:     report.Completed,
		Header:   stage.Header(),
		Segments: []report.Segment{{Text: source}},
		Duration: 1500 * time.Millisecond,
	}
}

func (e *echoPipeline) RunLexical(_ context.Context, source string) *report.Report {
	return e.record(runner.StageLexical, source)
}

func (e *echoPipeline) RunParseTree(_ context.Context, source string) *report.Report {
	return e.record(runner.StageParseTree, source)
}

func (e *echoPipeline) CompileAndRun(_ context.Context, source string) *report.Report {
	return e.record(runner.StageCompileAndRun, source)
}

func (e *echoPipeline) lastCall() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return ""
	}
	return e.calls[len(e.calls)-1]
}
