package fsstore

import (
	"path/filepath"
	"testing"

	"github.com/oriys/osmdbt-worker/internal/joberr"
)

func TestMkdirAllIdempotent(t *testing.T) {
	s := New()
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := s.MkdirAll(dir); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := s.MkdirAll(dir); err != nil {
		t.Fatalf("MkdirAll() second call error = %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	path := filepath.Join(t.TempDir(), "state.txt")

	if err := s.WriteFile(path, []byte("sequenceNumber=42\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	text, err := s.ReadFileText(path)
	if err != nil {
		t.Fatalf("ReadFileText() error = %v", err)
	}
	if text != "sequenceNumber=42\n" {
		t.Errorf("ReadFileText() = %q", text)
	}
}

func TestReadFileMissingIsTagged(t *testing.T) {
	s := New()
	_, err := s.ReadFile(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if kind, ok := joberr.KindOf(err); !ok || kind != joberr.KindFilesystem {
		t.Errorf("kind = %v, want KindFilesystem", kind)
	}
}

func TestRenameStripsDoneSuffix(t *testing.T) {
	s := New()
	dir := t.TempDir()
	old := filepath.Join(dir, "000001.log.done")
	if err := s.WriteFile(old, []byte("log")); err != nil {
		t.Fatal(err)
	}

	newPath := filepath.Join(dir, "000001.log")
	if err := s.Rename(old, newPath); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	names, err := s.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "000001.log" {
		t.Errorf("ReadDir() = %v, want [000001.log]", names)
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	s := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := s.WriteFile(path, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlink(path); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	names, err := s.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("ReadDir() = %v, want empty after unlink", names)
	}
}

func TestAppendText(t *testing.T) {
	s := New()
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := s.AppendText(path, "one\n"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendText(path, "two\n"); err != nil {
		t.Fatal(err)
	}
	text, err := s.ReadFileText(path)
	if err != nil {
		t.Fatal(err)
	}
	if text != "one\ntwo\n" {
		t.Errorf("ReadFileText() = %q", text)
	}
}
