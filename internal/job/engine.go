// Package job implements the state machine that drives one replication job
// from lease acquisition to publication and catch-up: its single-flight
// guard, its phase ordering, and its rollback protocol.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/osmdbt-worker/internal/mediator"
	"github.com/oriys/osmdbt-worker/internal/observability"
	"github.com/oriys/osmdbt-worker/internal/sequence"
	"github.com/oriys/osmdbt-worker/internal/toolrunner"
)

// FilesystemStore is the subset of fsstore.Store the job engine depends on.
// Production wires *fsstore.Store; tests substitute an in-memory fake.
type FilesystemStore interface {
	MkdirAll(path string) error
	ReadFile(path string) ([]byte, error)
	ReadFileText(path string) (string, error)
	WriteFile(path string, data []byte) error
	ReadDir(path string) ([]string, error)
	Rename(oldPath, newPath string) error
	Unlink(path string) error
}

// ObjectStore is the subset of objectstore.Store the job engine depends on.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte) error
}

// ToolRunner is the subset of toolrunner.Runner the job engine depends on.
type ToolRunner interface {
	GetLog(ctx context.Context, opts toolrunner.GetLogOpts) (string, error)
	CreateDiff(ctx context.Context, opts toolrunner.CreateDiffOpts) (string, error)
	Catchup(ctx context.Context, opts toolrunner.CatchupOpts) (string, error)
	Inspect(ctx context.Context, opts toolrunner.InspectOpts) (string, error)
}

// Mediator is the cross-service coordinator's four operations, as consumed
// by the job engine.
type Mediator interface {
	ReserveAccess(ctx context.Context) error
	CreateAction(ctx context.Context, endSequence uint64) (*mediator.Action, error)
	UpdateAction(ctx context.Context, actionID string, status mediator.ActionStatus, metadata map[string]any) error
	RemoveLock(ctx context.Context) error
}

// Paths holds the staging-tree directories the engine operates against.
type Paths struct {
	ChangesDir string
	LogsDir    string
	RunDir     string
}

func (p Paths) backupDir() string  { return join(p.ChangesDir, "backup") }
func (p Paths) stateFile() string  { return join(p.ChangesDir, "state.txt") }
func (p Paths) backupFile() string { return join(p.backupDir(), "state.txt") }

func join(elem ...string) string {
	out := elem[0]
	for _, e := range elem[1:] {
		out += "/" + e
	}
	return out
}

// ToolConfig holds the options passed straight through to the ToolRunner.
type ToolConfig struct {
	ConfigPath        string
	Verbose           bool
	GetLogMaxChanges  int
	ShouldCollectInfo bool
	OsmiumVerbose     bool
	OsmiumProgress    bool
}

// MetricsSink receives the counters and histograms the job engine observes.
// Satisfied by *metrics.Metrics; modeled as an interface so tests can
// substitute a no-op.
type MetricsSink interface {
	RecordJobStart()
	ObserveJobDuration(exitCode int, d time.Duration)
	RecordObjectGet()
	RecordObjectPut()
	RecordS3Error(kind string)
}

type noopMetricsSink struct{}

func (noopMetricsSink) RecordJobStart()                                  {}
func (noopMetricsSink) ObserveJobDuration(exitCode int, d time.Duration) {}
func (noopMetricsSink) RecordObjectGet()                                 {}
func (noopMetricsSink) RecordObjectPut()                                 {}
func (noopMetricsSink) RecordS3Error(kind string)                        {}

// Engine is the job-execution state machine. Exactly one job may be active
// per Engine instance at any time.
type Engine struct {
	fs       FilesystemStore
	objects  ObjectStore
	tools    ToolRunner
	mediator Mediator
	metrics  MetricsSink
	log      *slog.Logger
	paths    Paths
	toolCfg  ToolConfig

	active atomic.Bool
}

// New constructs an Engine from its collaborators.
func New(fs FilesystemStore, objects ObjectStore, tools ToolRunner, med Mediator, metrics MetricsSink, log *slog.Logger, paths Paths, toolCfg ToolConfig) *Engine {
	if metrics == nil {
		metrics = noopMetricsSink{}
	}
	return &Engine{
		fs:       fs,
		objects:  objects,
		tools:    tools,
		mediator: med,
		metrics:  metrics,
		log:      log,
		paths:    paths,
		toolCfg:  toolCfg,
	}
}

// ExecuteJob runs the phase protocol once. If another job is already active
// on this Engine, it returns immediately with ErrAlreadyActive.
func (e *Engine) ExecuteJob(ctx context.Context) error {
	if !e.active.CompareAndSwap(false, true) {
		e.log.Warn("job already active, skipping tick")
		return ErrAlreadyActive
	}
	defer e.active.Store(false)

	e.metrics.RecordJobStart()
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "job.execute")
	defer span.End()

	err := e.run(ctx, span)

	exitCode := 0
	if err != nil {
		if k, ok := KindOf(err); ok {
			exitCode = k.ExitCode()
		} else {
			exitCode = KindGeneral.ExitCode()
		}
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	span.SetAttributes(observability.AttrJobExitCode.Int(exitCode))
	e.metrics.ObserveJobDuration(exitCode, time.Since(start))

	return err
}

// ErrAlreadyActive is returned by ExecuteJob when a job is already running
// on this Engine.
var ErrAlreadyActive = &Error{Kind: KindGeneral, Op: "executeJob", Err: fmt.Errorf("job already active")}

func (e *Engine) run(ctx context.Context, span trace.Span) error {
	// Phase 1: Reserve.
	if err := e.mediator.ReserveAccess(ctx); err != nil {
		return err
	}

	// Phase 2: Prepare.
	if err := e.prepareStagingTree(ctx); err != nil {
		return err
	}

	// Phase 3: Pull.
	backup, err := e.pullRemoteState(ctx)
	if err != nil {
		return err
	}

	// Phase 4: Read start.
	sequenceStart, err := sequence.Parse(backup)
	if err != nil {
		return err
	}
	span.SetAttributes(observability.AttrJobStateStart.Int64(int64(sequenceStart)))

	// Phase 5: Produce.
	if err := e.produce(ctx); err != nil {
		return err
	}

	// Phase 6: Read end.
	stateText, err := e.fs.ReadFileText(e.paths.stateFile())
	if err != nil {
		return err
	}
	sequenceEnd, err := sequence.Parse(stateText)
	if err != nil {
		return err
	}
	span.SetAttributes(observability.AttrJobStateEnd.Int64(int64(sequenceEnd)))

	// Phase 7: Null-diff short-circuit.
	if sequenceStart == sequenceEnd {
		_ = e.mediator.RemoveLock(ctx)
		e.log.Info("null diff, nothing to publish", "sequence", sequenceStart)
		return nil
	}

	// Phase 8: Announce.
	action, err := e.mediator.CreateAction(ctx, sequenceEnd)
	if err != nil {
		return err
	}

	// Phase 9: Release lease.
	_ = e.mediator.RemoveLock(ctx)

	// Phase 10: Publish.
	if err := e.publish(ctx, sequenceEnd, stateText); err != nil {
		_ = e.mediator.UpdateAction(ctx, action.ID, mediator.StatusFailed, map[string]any{"error": err.Error()})
		return err
	}

	// Phase 11: Commit.
	if err := e.commit(ctx); err != nil {
		rollbackErr := e.rollback(ctx, span, sequenceStart)
		_ = e.mediator.UpdateAction(ctx, action.ID, mediator.StatusFailed, map[string]any{"error": err.Error()})
		if rollbackErr != nil {
			return rollbackErr
		}
		return err
	}

	// Phase 12: Post-catchup cleanup.
	if err := e.cleanupLogs(); err != nil {
		return err
	}

	// Phase 13: Collect info (optional, best-effort).
	metadata := map[string]any{}
	if e.toolCfg.ShouldCollectInfo {
		info, err := e.collectInfo(ctx, sequenceEnd)
		if err != nil {
			e.log.Warn("inspector failed, continuing best-effort", "error", err)
		} else {
			metadata["info"] = info
		}
	}

	// Phase 14: Finalize.
	if err := e.mediator.UpdateAction(ctx, action.ID, mediator.StatusCompleted, metadata); err != nil {
		return err
	}

	return nil
}

func (e *Engine) prepareStagingTree(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "job.phase.2.prepare")
	defer span.End()

	dirs := dedupe([]string{e.paths.LogsDir, e.paths.ChangesDir, e.paths.RunDir, e.paths.backupDir()})

	g := new(errgroup.Group)
	for _, d := range dirs {
		d := d
		g.Go(func() error {
			return e.fs.MkdirAll(d)
		})
	}
	return g.Wait()
}

func (e *Engine) pullRemoteState(ctx context.Context) (string, error) {
	ctx, span := observability.StartSpan(ctx, "job.phase.3.pull")
	defer span.End()

	data, err := e.objects.GetObject(ctx, "state.txt")
	e.metrics.RecordObjectGet()
	if err != nil {
		e.metrics.RecordS3Error("get")
		return "", err
	}

	g := new(errgroup.Group)
	g.Go(func() error { return e.fs.WriteFile(e.paths.stateFile(), data) })
	g.Go(func() error { return e.fs.WriteFile(e.paths.backupFile(), data) })
	if err := g.Wait(); err != nil {
		return "", err
	}

	return string(data), nil
}

func (e *Engine) produce(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "job.phase.5.produce")
	defer span.End()

	if _, err := e.tools.GetLog(ctx, toolrunner.GetLogOpts{
		ConfigPath: e.toolCfg.ConfigPath,
		Verbose:    e.toolCfg.Verbose,
		MaxChanges: e.toolCfg.GetLogMaxChanges,
	}); err != nil {
		return err
	}

	if _, err := e.tools.CreateDiff(ctx, toolrunner.CreateDiffOpts{
		ConfigPath: e.toolCfg.ConfigPath,
		Verbose:    e.toolCfg.Verbose,
	}); err != nil {
		return err
	}

	return nil
}

func (e *Engine) publish(ctx context.Context, sequenceEnd uint64, stateText string) error {
	ctx, span := observability.StartSpan(ctx, "job.phase.10.publish")
	defer span.End()

	path := sequence.PublishPath(sequenceEnd)

	diffData, err := e.fs.ReadFile(join(e.paths.ChangesDir, path.String()+".osc.gz"))
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := e.objects.PutObject(ctx, path.StateKey(), []byte(stateText)); err != nil {
			e.metrics.RecordS3Error("put")
			return err
		}
		e.metrics.RecordObjectPut()
		return nil
	})
	g.Go(func() error {
		if err := e.objects.PutObject(ctx, path.DiffKey(), diffData); err != nil {
			e.metrics.RecordS3Error("put")
			return err
		}
		e.metrics.RecordObjectPut()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.objects.PutObject(ctx, "state.txt", []byte(stateText)); err != nil {
		e.metrics.RecordS3Error("put")
		return err
	}
	e.metrics.RecordObjectPut()

	return nil
}

func (e *Engine) commit(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "job.phase.11.commit")
	defer span.End()

	names, err := e.fs.ReadDir(e.paths.LogsDir)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	for _, name := range names {
		if !strings.HasSuffix(name, ".done") {
			continue
		}
		name := name
		g.Go(func() error {
			old := join(e.paths.LogsDir, name)
			newName := join(e.paths.LogsDir, strings.TrimSuffix(name, ".done"))
			return e.fs.Rename(old, newName)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := e.tools.Catchup(ctx, toolrunner.CatchupOpts{
		ConfigPath: e.toolCfg.ConfigPath,
		Verbose:    e.toolCfg.Verbose,
	}); err != nil {
		return err
	}

	return nil
}

func (e *Engine) cleanupLogs() error {
	names, err := e.fs.ReadDir(e.paths.LogsDir)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return e.fs.Unlink(join(e.paths.LogsDir, name))
		})
	}
	return g.Wait()
}

func (e *Engine) collectInfo(ctx context.Context, sequenceEnd uint64) (map[string]any, error) {
	path := sequence.PublishPath(sequenceEnd)
	diffPath := join(e.paths.ChangesDir, path.String()+".osc.gz")

	out, err := e.tools.Inspect(ctx, toolrunner.InspectOpts{
		DiffPath: diffPath,
		Verbose:  e.toolCfg.OsmiumVerbose,
		Progress: e.toolCfg.OsmiumProgress,
	})
	if err != nil {
		return nil, err
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, Tag(KindInspector, "parse inspector output", err)
	}
	return info, nil
}

func (e *Engine) rollback(ctx context.Context, span trace.Span, sequenceStart uint64) error {
	_, rspan := observability.StartSpan(ctx, "job.rollback")
	defer rspan.End()

	span.SetAttributes(observability.AttrJobRollback.Bool(true))

	backup, err := e.fs.ReadFile(e.paths.backupFile())
	if err != nil {
		return Tag(KindRollback, "rollback read backup", err)
	}

	if err := e.objects.PutObject(ctx, "state.txt", backup); err != nil {
		e.metrics.RecordS3Error("put")
		e.log.Error("rollback failed, manual intervention required", "error", err)
		return Tag(KindRollback, "rollback put pointer", err)
	}
	e.metrics.RecordObjectPut()

	span.SetAttributes(observability.AttrJobStateEnd.Int64(int64(sequenceStart)))
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
