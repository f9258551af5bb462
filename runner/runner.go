package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/bskracic/cpipe/report"
)

// Stage selects which invocation sequence a run performs.
type Stage string

const (
	StageLexical       Stage = "lexical"
	StageParseTree     Stage = "parse-tree"
	StageCompileAndRun Stage = "compile-and-run"
)

var stageAliases = map[string]Stage{
	"lexical":         StageLexical,
	"lex":             StageLexical,
	"parse-tree":      StageParseTree,
	"tree":            StageParseTree,
	"compile-and-run": StageCompileAndRun,
	"run":             StageCompileAndRun,
}

func ParseStage(s string) (Stage, error) {
	stage, ok := stageAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

// Flag is the analysis tool flag for the stage; empty for compile-and-run.
func (s Stage) Flag() string {
	switch s {
	case StageLexical:
		return "--lexical"
	case StageParseTree:
		return "--parse-tree"
	default:
		return ""
	}
}

func (s Stage) Header() string {
	switch s {
	case StageLexical:
		return "Running Lexical Analysis..."
	case StageParseTree:
		return "Generating Parse Tree..."
	case StageCompileAndRun:
		return "Compiling and Running..."
	default:
		return fmt.Sprintf("Running %s...", string(s))
	}
}

// StageRunner runs one stage on one source unit. It always returns a
// report, never an error.
type StageRunner interface {
	Run(ctx context.Context, stage Stage, source string) *report.Report
}

// Pipeline is the caller-facing surface.
type Pipeline interface {
	RunLexical(ctx context.Context, source string) *report.Report
	RunParseTree(ctx context.Context, source string) *report.Report
	CompileAndRun(ctx context.Context, source string) *report.Report
}

// SampleProgram is offered when a caller has no source yet.
const SampleProgram = `/* Enter your C code here */
#include <stdio.h>

int main() {
    printf("Hello, World!\n");
    return 0;
}
`
