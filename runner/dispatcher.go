package runner

import (
	"context"
	"errors"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/bskracic/cpipe/report"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type job struct {
	ctx    context.Context
	stage  Stage
	source string
	reply  chan<- *report.Report
}

// Dispatcher moves runs onto a single worker goroutine and hands reports
// back over a channel, so at most one run is in flight and callers never
// block their own loop on a tool.
type Dispatcher struct {
	runner    StageRunner
	formatter *report.Formatter

	jobs      chan job
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewDispatcher(r StageRunner) *Dispatcher {
	d := &Dispatcher{
		runner:    r,
		formatter: report.NewFormatter(),
		jobs:      make(chan job),
		quit:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.work()
	return d
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.jobs:
			if err := j.ctx.Err(); err != nil {
				j.reply <- d.failed(j.stage, report.Cancelled, err)
				continue
			}
			j.reply <- d.runner.Run(j.ctx, j.stage, j.source)
		}
	}
}

// Submit queues a run. The returned channel always receives exactly one
// report.
func (d *Dispatcher) Submit(ctx context.Context, stage Stage, source string) <-chan *report.Report {
	reply := make(chan *report.Report, 1)
	select {
	case d.jobs <- job{ctx: ctx, stage: stage, source: source, reply: reply}:
	case <-ctx.Done():
		reply <- d.failed(stage, report.Cancelled, ctx.Err())
	case <-d.quit:
		reply <- d.failed(stage, report.UnexpectedError, ErrDispatcherClosed)
	}
	return reply
}

// Run implements StageRunner by waiting for the submitted run.
func (d *Dispatcher) Run(ctx context.Context, stage Stage, source string) *report.Report {
	return <-d.Submit(ctx, stage, source)
}

func (d *Dispatcher) RunLexical(ctx context.Context, source string) *report.Report {
	return d.Run(ctx, StageLexical, source)
}

func (d *Dispatcher) RunParseTree(ctx context.Context, source string) *report.Report {
	return d.Run(ctx, StageParseTree, source)
}

func (d *Dispatcher) CompileAndRun(ctx context.Context, source string) *report.Report {
	return d.Run(ctx, StageCompileAndRun, source)
}

// Close stops the worker after the run in flight, if any, has finished.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
	})
	d.wg.Wait()
}

func (d *Dispatcher) failed(stage Stage, kind report.Kind, err error) *report.Report {
	rep := d.formatter.Format(stage.Header(), report.Outcome{Kind: kind, Err: pkgerrors.WithStack(err)})
	rep.Stage = string(stage)
	return rep
}
