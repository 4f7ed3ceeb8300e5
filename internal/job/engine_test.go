package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/osmdbt-worker/internal/mediator"
	"github.com/oriys/osmdbt-worker/internal/toolrunner"
)

// fakeFS is an in-memory FilesystemStore.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeFS) MkdirAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
	return nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, Tag(KindFilesystem, "readFile", fmt.Errorf("%s: not found", path))
	}
	return data, nil
}

func (f *fakeFS) ReadFileText(path string) (string, error) {
	data, err := f.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *fakeFS) WriteFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFS) ReadDir(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := path + "/"
	var names []string
	for p := range f.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	return names, nil
}

func (f *fakeFS) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[oldPath]
	if !ok {
		return Tag(KindFilesystem, "rename", fmt.Errorf("%s: not found", oldPath))
	}
	delete(f.files, oldPath)
	f.files[newPath] = data
	return nil
}

func (f *fakeFS) Unlink(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

// fakeObjects is an in-memory ObjectStore.
type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPut  map[string]bool
	putCount int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, failPut: map[string]bool{}}
}

func (o *fakeObjects) GetObject(ctx context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, Tag(KindObjectStore, "getObject", fmt.Errorf("%s: not found", key))
	}
	return data, nil
}

func (o *fakeObjects) PutObject(ctx context.Context, key string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.putCount++
	if o.failPut[key] {
		return Tag(KindObjectStore, "putObject", fmt.Errorf("%s: simulated failure", key))
	}
	o.objects[key] = append([]byte(nil), data...)
	return nil
}

// fakeTools is a ToolRunner whose behavior per tool is scripted.
type fakeTools struct {
	mu           sync.Mutex
	advanceState func() // mutates fs to move state.txt from start to end
	onCatchup    func() // runs when Catchup is invoked, before it returns
	catchupErr   error
	inspectJSON  string
	inspectErr   error
}

func (t *fakeTools) GetLog(ctx context.Context, opts toolrunner.GetLogOpts) (string, error) {
	return "", nil
}

func (t *fakeTools) CreateDiff(ctx context.Context, opts toolrunner.CreateDiffOpts) (string, error) {
	if t.advanceState != nil {
		t.advanceState()
	}
	return "", nil
}

func (t *fakeTools) Catchup(ctx context.Context, opts toolrunner.CatchupOpts) (string, error) {
	if t.onCatchup != nil {
		t.onCatchup()
	}
	return "", t.catchupErr
}

func (t *fakeTools) Inspect(ctx context.Context, opts toolrunner.InspectOpts) (string, error) {
	return t.inspectJSON, t.inspectErr
}

// fakeMediator is a Mediator with call counters.
type fakeMediator struct {
	mu              sync.Mutex
	reserveErr      error
	createErr       error
	removeLockCalls int
	updateCalls     []mediator.ActionStatus
}

func (m *fakeMediator) ReserveAccess(ctx context.Context) error {
	return m.reserveErr
}

func (m *fakeMediator) CreateAction(ctx context.Context, endSequence uint64) (*mediator.Action, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &mediator.Action{ID: "action-1", State: endSequence}, nil
}

func (m *fakeMediator) UpdateAction(ctx context.Context, actionID string, status mediator.ActionStatus, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, status)
	return nil
}

func (m *fakeMediator) RemoveLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLockCalls++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func testPaths() Paths {
	return Paths{ChangesDir: "/changes", LogsDir: "/logs", RunDir: "/run"}
}

func newHappyPathEngine(startSeq, endSeq uint64) (*Engine, *fakeFS, *fakeObjects, *fakeTools, *fakeMediator) {
	fs := newFakeFS()
	objects := newFakeObjects()
	objects.objects["state.txt"] = []byte(fmt.Sprintf("sequenceNumber=%d\n", startSeq))

	tools := &fakeTools{
		advanceState: func() {
			fs.files["/changes/state.txt"] = []byte(fmt.Sprintf("sequenceNumber=%d\n", endSeq))
		},
	}
	fs.files["/changes/000/000/"+fmt.Sprintf("%03d", endSeq)+".osc.gz"] = []byte("diff-bytes")

	med := &fakeMediator{}
	e := New(fs, objects, tools, med, nil, testLogger(), testPaths(), ToolConfig{ConfigPath: "/etc/osmdbt.yaml"})
	return e, fs, objects, tools, med
}

func TestHappyPath(t *testing.T) {
	e, _, objects, _, med := newHappyPathEngine(665, 667)

	if err := e.ExecuteJob(context.Background()); err != nil {
		t.Fatalf("ExecuteJob() error = %v", err)
	}

	if string(objects.objects["state.txt"]) != "sequenceNumber=667\n" {
		t.Errorf("pointer = %q, want sequenceNumber=667", objects.objects["state.txt"])
	}
	if _, ok := objects.objects["000/000/667.osc.gz"]; !ok {
		t.Error("expected diff artifact uploaded at 000/000/667.osc.gz")
	}
	if _, ok := objects.objects["000/000/667.state.txt"]; !ok {
		t.Error("expected state artifact uploaded at 000/000/667.state.txt")
	}
	if len(med.updateCalls) != 1 || med.updateCalls[0] != mediator.StatusCompleted {
		t.Errorf("updateCalls = %v, want one COMPLETED", med.updateCalls)
	}
	if med.removeLockCalls != 1 {
		t.Errorf("removeLockCalls = %d, want 1", med.removeLockCalls)
	}
}

func TestNullDiff(t *testing.T) {
	fs := newFakeFS()
	objects := newFakeObjects()
	objects.objects["state.txt"] = []byte("sequenceNumber=667\n")
	tools := &fakeTools{} // advanceState is nil: state.txt stays the same
	med := &fakeMediator{}

	e := New(fs, objects, tools, med, nil, testLogger(), testPaths(), ToolConfig{})

	if err := e.ExecuteJob(context.Background()); err != nil {
		t.Fatalf("ExecuteJob() error = %v", err)
	}

	if objects.putCount != 0 {
		t.Errorf("putCount = %d, want 0 for a null diff", objects.putCount)
	}
	if med.removeLockCalls != 1 {
		t.Errorf("removeLockCalls = %d, want 1", med.removeLockCalls)
	}
	if len(med.updateCalls) != 0 {
		t.Errorf("updateCalls = %v, want none (no action created)", med.updateCalls)
	}
}

func TestCommitFailureRollsBack(t *testing.T) {
	e, fs, objects, tools, med := newHappyPathEngine(665, 667)
	tools.catchupErr = Tag(KindTool, "catchup", fmt.Errorf("exit 1"))
	_ = fs

	err := e.ExecuteJob(context.Background())
	if err == nil {
		t.Fatal("expected error from failed commit")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindTool {
		t.Fatalf("got kind %v, want KindTool (rollback succeeded, so the commit error surfaces)", kind)
	}

	if string(objects.objects["state.txt"]) != "sequenceNumber=665\n" {
		t.Errorf("pointer after rollback = %q, want sequenceNumber=665", objects.objects["state.txt"])
	}
	if len(med.updateCalls) != 1 || med.updateCalls[0] != mediator.StatusFailed {
		t.Errorf("updateCalls = %v, want one FAILED", med.updateCalls)
	}
}

func TestRollbackFailureIsFatal(t *testing.T) {
	e, _, objects, tools, _ := newHappyPathEngine(665, 667)
	tools.catchupErr = Tag(KindTool, "catchup", fmt.Errorf("exit 1"))
	// Fail only the rollback's pointer put: phase 10 has already written
	// state.txt by the time catchup runs.
	tools.onCatchup = func() {
		objects.mu.Lock()
		objects.failPut["state.txt"] = true
		objects.mu.Unlock()
	}

	err := e.ExecuteJob(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindRollback {
		t.Fatalf("got kind %v, want KindRollback", kind)
	}
	if kind.ExitCode() != 104 {
		t.Errorf("exit code = %d, want 104", kind.ExitCode())
	}
}

func TestInvalidStateFile(t *testing.T) {
	fs := newFakeFS()
	objects := newFakeObjects()
	objects.objects["state.txt"] = []byte("garbage, no sequence here")
	tools := &fakeTools{}
	med := &fakeMediator{}

	e := New(fs, objects, tools, med, nil, testLogger(), testPaths(), ToolConfig{})

	err := e.ExecuteJob(context.Background())
	if err == nil {
		t.Fatal("expected InvalidStateError")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindInvalidState {
		t.Fatalf("got kind %v, want KindInvalidState", kind)
	}
	if objects.putCount != 0 {
		t.Errorf("putCount = %d, want 0: no upload should occur before a valid start sequence is read", objects.putCount)
	}
}

func TestSingleFlight(t *testing.T) {
	e, _, _, tools, _ := newHappyPathEngine(665, 667)

	release := make(chan struct{})
	tools.advanceState = func() {
		<-release
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = e.ExecuteJob(context.Background())
	}()

	time.Sleep(20 * time.Millisecond) // let the first job reach phase 5 and block
	go func() {
		defer wg.Done()
		results[1] = e.ExecuteJob(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	activeCount := 0
	skippedCount := 0
	for _, r := range results {
		if r == ErrAlreadyActive {
			skippedCount++
		} else {
			activeCount++
		}
	}
	if activeCount != 1 || skippedCount != 1 {
		t.Errorf("activeCount=%d skippedCount=%d, want exactly one of each", activeCount, skippedCount)
	}
}
