// Package toolrunner spawns the external osmdbt/osmium binaries, captures
// their output, and classifies non-zero exits into tagged errors.
package toolrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/oriys/osmdbt-worker/internal/joberr"
)

// DurationObserver receives the wall-clock duration of one tool invocation,
// labeled by tool, command, and exit code.
type DurationObserver func(tool, command string, exitCode int, d time.Duration)

// Runner executes external CLI tools and captures their output.
type Runner struct {
	bin     string // directory containing the tool binaries; empty means $PATH
	observe DurationObserver
}

// New creates a Runner. bin is the directory holding the osmdbt/osmium
// binaries; pass "" to resolve them from $PATH.
func New(bin string, observe DurationObserver) *Runner {
	if observe == nil {
		observe = func(string, string, int, time.Duration) {}
	}
	return &Runner{bin: bin, observe: observe}
}

func (r *Runner) path(name string) string {
	if r.bin == "" {
		return name
	}
	return r.bin + "/" + name
}

// run executes argv[0] with the remaining args, observes duration, and
// classifies any non-zero exit as kind.
func (r *Runner) run(ctx context.Context, kind joberr.Kind, tool, command string, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	r.observe(tool, command, exitCode, elapsed)

	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = fmt.Sprintf("%s %s failed with exit code %d", tool, command, exitCode)
		}
		return "", joberr.Tag(kind, fmt.Sprintf("%s %s", tool, command), fmt.Errorf("%s", msg))
	}
	return stdout.String(), nil
}

// GetLogOpts configures a log-cutter invocation.
type GetLogOpts struct {
	ConfigPath string
	Verbose    bool
	MaxChanges int
}

// GetLog runs osmdbt-get-log, which writes new log files to the logs
// directory and advances the staging state file.
func (r *Runner) GetLog(ctx context.Context, opts GetLogOpts) (string, error) {
	argv := []string{r.path("osmdbt-get-log"), "-c", opts.ConfigPath}
	if !opts.Verbose {
		argv = append(argv, "-q")
	}
	argv = append(argv, "-m", fmt.Sprintf("%d", opts.MaxChanges))
	return r.run(ctx, joberr.KindTool, "osmdbt-get-log", "get-log", argv...)
}

// CreateDiffOpts configures a diff-builder invocation.
type CreateDiffOpts struct {
	ConfigPath string
	Verbose    bool
}

// CreateDiff runs osmdbt-create-diff, which produces the per-sequence diff
// payload and updates the staging state file.
func (r *Runner) CreateDiff(ctx context.Context, opts CreateDiffOpts) (string, error) {
	argv := []string{r.path("osmdbt-create-diff"), "-c", opts.ConfigPath}
	if !opts.Verbose {
		argv = append(argv, "-q")
	}
	return r.run(ctx, joberr.KindTool, "osmdbt-create-diff", "create-diff", argv...)
}

// CatchupOpts configures a catchup invocation.
type CatchupOpts struct {
	ConfigPath string
	Verbose    bool
}

// Catchup runs osmdbt-catchup, which irreversibly advances the replication
// slot to match the consumed logs.
func (r *Runner) Catchup(ctx context.Context, opts CatchupOpts) (string, error) {
	argv := []string{r.path("osmdbt-catchup"), "-c", opts.ConfigPath}
	if !opts.Verbose {
		argv = append(argv, "-q")
	}
	return r.run(ctx, joberr.KindTool, "osmdbt-catchup", "catchup", argv...)
}

// InspectOpts configures an osmium fileinfo invocation.
type InspectOpts struct {
	DiffPath string
	Verbose  bool
	Progress bool
}

// Inspect runs osmium fileinfo against the given diff file and returns its
// raw JSON stdout. Callers treat failures here as best-effort.
func (r *Runner) Inspect(ctx context.Context, opts InspectOpts) (string, error) {
	argv := []string{"osmium", "fileinfo"}
	if opts.Verbose {
		argv = append(argv, "--verbose")
	}
	if opts.Progress {
		argv = append(argv, "--progress")
	} else {
		argv = append(argv, "--no-progress")
	}
	argv = append(argv, "--extended", "--json", opts.DiffPath)
	return r.run(ctx, joberr.KindInspector, "osmium", "fileinfo", argv...)
}
