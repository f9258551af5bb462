package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/bskracic/cpipe/artifact"
	"github.com/bskracic/cpipe/report"
	"github.com/bskracic/cpipe/runtime"
)

const defaultExecTimeout = 5 * time.Second

// Config names the external tools and bounds every invocation.
// A zero tool or compile timeout waits without limit.
type Config struct {
	ToolPath       string
	ToolTimeout    time.Duration
	CompilerPath   string
	CompilerArgs   []string
	CompileTimeout time.Duration
	ExecTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ToolPath:       "./parser",
		ToolTimeout:    30 * time.Second,
		CompilerPath:   "gcc",
		CompileTimeout: 60 * time.Second,
		ExecTimeout:    defaultExecTimeout,
	}
}

// PipelineRunner drives the external tools for one run at a time. Each run
// gets its own artifact scope, released on every exit path.
type PipelineRunner struct {
	cfg       Config
	store     *artifact.Store
	runtime   runtime.Runtime
	toolchain runtime.Runtime
	formatter *report.Formatter
	logger    *slog.Logger
	newRunID  func() string
}

type Option func(*PipelineRunner)

// WithRuntime sets the runtime for the analysis tool and the produced program.
func WithRuntime(rt runtime.Runtime) Option {
	return func(pr *PipelineRunner) {
		pr.runtime = rt
	}
}

// WithToolchainRuntime sets the runtime the compiler runs in. Defaults to
// the main runtime.
func WithToolchainRuntime(rt runtime.Runtime) Option {
	return func(pr *PipelineRunner) {
		pr.toolchain = rt
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(pr *PipelineRunner) {
		if logger != nil {
			pr.logger = logger
		}
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(fn func() string) Option {
	return func(pr *PipelineRunner) {
		pr.newRunID = fn
	}
}

func New(cfg Config, store *artifact.Store, opts ...Option) *PipelineRunner {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	pr := &PipelineRunner{
		cfg:       cfg,
		store:     store,
		formatter: report.NewFormatter(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		newRunID:  func() string { return uuid.NewV4().String() },
	}
	for _, opt := range opts {
		opt(pr)
	}
	if pr.runtime == nil {
		pr.runtime = runtime.NewHostRuntime(runtime.WithLogger(pr.logger))
	}
	if pr.toolchain == nil {
		pr.toolchain = pr.runtime
	}
	return pr
}

func (pr *PipelineRunner) RunLexical(ctx context.Context, source string) *report.Report {
	return pr.Run(ctx, StageLexical, source)
}

func (pr *PipelineRunner) RunParseTree(ctx context.Context, source string) *report.Report {
	return pr.Run(ctx, StageParseTree, source)
}

func (pr *PipelineRunner) CompileAndRun(ctx context.Context, source string) *report.Report {
	return pr.Run(ctx, StageCompileAndRun, source)
}

// Run implements StageRunner. Artifacts are created before any tool runs
// and removed after the report is built, even when a phase panics.
func (pr *PipelineRunner) Run(ctx context.Context, stage Stage, source string) (rep *report.Report) {
	start := time.Now()
	scope := pr.prepare()
	logger := pr.logger.With("run_id", scope.RunID(), "stage", stage)
	logger.Info("run started", "bytes", len(source))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", "panic", r)
			rep = pr.formatter.Format(stage.Header(), report.Outcome{
				Kind: report.UnexpectedError,
				Err:  pkgerrors.Errorf("panic: %v", r),
			})
		}
		pr.cleanUp(scope)
		rep.Stage = string(stage)
		rep.Duration = time.Since(start)
		logger.Info("run finished", "kind", rep.Kind, "duration", rep.Duration)
	}()

	var outcome report.Outcome
	switch stage {
	case StageLexical, StageParseTree:
		outcome = pr.analyze(ctx, scope, stage, source)
	case StageCompileAndRun:
		outcome = pr.compileAndRun(ctx, scope, source)
	default:
		outcome = report.Outcome{
			Kind: report.UnexpectedError,
			Err:  pkgerrors.Errorf("unknown stage %q", stage),
		}
	}
	return pr.formatter.Format(stage.Header(), outcome)
}

func (pr *PipelineRunner) prepare() *artifact.Scope {
	return pr.store.Begin(pr.newRunID())
}

func (pr *PipelineRunner) cleanUp(scope *artifact.Scope) {
	scope.ReleaseAll()
}

func (pr *PipelineRunner) analyze(ctx context.Context, scope *artifact.Scope, stage Stage, source string) report.Outcome {
	tool := filepath.Base(pr.cfg.ToolPath)

	src, err := scope.Materialize(source)
	if err != nil {
		return classify(err, report.PhaseAnalysis, tool)
	}

	res, err := pr.runtime.Exec(ctx, runtime.Command{
		Path:    pr.cfg.ToolPath,
		Args:    []string{src.Path, stage.Flag()},
		Timeout: pr.cfg.ToolTimeout,
	})
	if err != nil {
		return classify(err, report.PhaseAnalysis, tool)
	}
	if res.TimedOut {
		return report.Outcome{
			Kind:    report.ToolTimeout,
			Phase:   report.PhaseAnalysis,
			Tool:    tool,
			Result:  res,
			Timeout: pr.cfg.ToolTimeout,
		}
	}

	// the tool's streams are passed through untouched
	return report.Outcome{Kind: report.Completed, Phase: report.PhaseAnalysis, Tool: tool, Result: res}
}

func (pr *PipelineRunner) compileAndRun(ctx context.Context, scope *artifact.Scope, source string) report.Outcome {
	src, err := scope.Materialize(source)
	if err != nil {
		return classify(err, report.PhaseCompile, filepath.Base(pr.cfg.CompilerPath))
	}

	exe, outcome, ok := pr.compile(ctx, scope, src)
	if !ok {
		return outcome
	}
	scope.Register(exe)

	return pr.exec(ctx, scope, exe)
}

// compile runs phase A. ok is false when the run must stop here.
func (pr *PipelineRunner) compile(ctx context.Context, scope *artifact.Scope, src artifact.Artifact) (artifact.Artifact, report.Outcome, bool) {
	compiler := filepath.Base(pr.cfg.CompilerPath)
	exe := artifact.Artifact{Kind: artifact.Executable, Path: scope.ExecutablePath()}

	args := append([]string{src.Path, "-o", exe.Path}, pr.cfg.CompilerArgs...)
	res, err := pr.toolchain.Exec(ctx, runtime.Command{
		Path:    pr.cfg.CompilerPath,
		Args:    args,
		Timeout: pr.cfg.CompileTimeout,
	})
	if err != nil {
		return exe, classify(err, report.PhaseCompile, compiler), false
	}

	switch {
	case res.TimedOut:
		return exe, report.Outcome{
			Kind:    report.ToolTimeout,
			Phase:   report.PhaseCompile,
			Tool:    compiler,
			Result:  res,
			Timeout: pr.cfg.CompileTimeout,
		}, false
	case res.ExitCode != 0:
		return exe, report.Outcome{
			Kind:   report.CompilationFailed,
			Phase:  report.PhaseCompile,
			Tool:   compiler,
			Result: res,
		}, false
	}
	return exe, report.Outcome{}, true
}

// exec runs phase B: the produced program, no arguments, bounded.
func (pr *PipelineRunner) exec(ctx context.Context, scope *artifact.Scope, exe artifact.Artifact) report.Outcome {
	res, err := pr.runtime.Exec(ctx, runtime.Command{
		Path:    exe.Path,
		Dir:     scope.Dir(),
		Timeout: pr.cfg.ExecTimeout,
	})
	if err != nil {
		return classify(err, report.PhaseExecute, filepath.Base(exe.Path))
	}
	if res.TimedOut {
		return report.Outcome{
			Kind:    report.ExecutionTimeout,
			Phase:   report.PhaseExecute,
			Result:  res,
			Timeout: pr.cfg.ExecTimeout,
		}
	}
	return report.Outcome{Kind: report.Completed, Phase: report.PhaseExecute, Result: res}
}

// classify maps a component error onto the failure taxonomy and attaches
// a stack trace for the report.
func classify(err error, phase report.Phase, tool string) report.Outcome {
	var (
		storageErr *artifact.StorageError
		launchErr  *runtime.LaunchError
		kind       report.Kind
	)
	switch {
	case errors.As(err, &storageErr):
		kind = report.StorageFailed
	case errors.As(err, &launchErr):
		kind = report.ToolUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = report.Cancelled
	default:
		kind = report.UnexpectedError
	}
	return report.Outcome{
		Kind:  kind,
		Phase: phase,
		Tool:  tool,
		Err:   pkgerrors.WithStack(err),
	}
}
