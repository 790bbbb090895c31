package extract

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/xchunk/xip/cpio"
	"github.com/xchunk/xip/internal/progress"
)

// recordingSink is an in-memory Sink used to assert dependency ordering
// without touching the filesystem.
type recordingSink struct {
	mu      sync.Mutex
	dirs    map[string]bool
	files   map[string]bool
	links   map[string]string
	symlink map[string]string
	failOn  map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
		links:   make(map[string]string),
		symlink: make(map[string]string),
		failOn:  make(map[string]bool),
	}
}

func (s *recordingSink) CreateDirectory(f *cpio.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[f.Name] {
		return fmt.Errorf("injected failure for %s", f.Name)
	}
	// The directory's parent must already have been created.
	if parent := parentDir(f.Name); parent != "." && !s.dirs[parent] {
		return fmt.Errorf("parent %q not yet created for %q", parent, f.Name)
	}
	s.dirs[f.Name] = true
	return nil
}

func (s *recordingSink) CreateFile(f *cpio.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[f.Name] {
		return fmt.Errorf("injected failure for %s", f.Name)
	}
	if parent := parentDir(f.Name); parent != "." && !s.dirs[parent] {
		return fmt.Errorf("parent %q not yet created for %q", parent, f.Name)
	}
	s.files[f.Name] = true
	return nil
}

func (s *recordingSink) Hardlink(originalName string, f *cpio.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.files[originalName] {
		return fmt.Errorf("hardlink origin %q not materialized before %q", originalName, f.Name)
	}
	s.links[f.Name] = originalName
	return nil
}

func (s *recordingSink) Symlink(target string, f *cpio.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symlink[f.Name] = target
	return nil
}

func (s *recordingSink) Chmod(f *cpio.File, mode uint32) error { return nil }

func feedFiles(files []*cpio.File) <-chan cpio.Result {
	out := make(chan cpio.Result, len(files))
	for _, f := range files {
		out <- cpio.Result{File: f}
	}
	close(out)
	return out
}

func regFile(dev, ino uint64, name string) *cpio.File {
	return &cpio.File{Dev: dev, Ino: ino, Mode: cpio.ModeReg | 0o644, Name: name}
}

func dirFile(dev, ino uint64, name string) *cpio.File {
	return &cpio.File{Dev: dev, Ino: ino, Mode: cpio.ModeDir | 0o755, Name: name}
}

func TestSchedulerOrdersParentBeforeChild(t *testing.T) {
	sink := newRecordingSink()
	sched := NewScheduler(sink, nil, &progress.Counters{}, 4)

	files := []*cpio.File{
		dirFile(1, 1, "."),
		dirFile(1, 2, "a"),
		dirFile(1, 3, "a/b"),
		regFile(1, 4, "a/b/c.txt"),
	}
	if err := sched.Run(context.Background(), feedFiles(files)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sink.dirs["a"] || !sink.dirs["a/b"] || !sink.files["a/b/c.txt"] {
		t.Fatalf("not all entries materialized: %+v", sink)
	}
}

func TestSchedulerHardlinkAwaitsOrigin(t *testing.T) {
	sink := newRecordingSink()
	sched := NewScheduler(sink, nil, &progress.Counters{}, 4)

	files := []*cpio.File{
		regFile(1, 10, "orig.txt"),
		regFile(1, 10, "alias.txt"), // same (dev, ino) -> hardlink
	}
	if err := sched.Run(context.Background(), feedFiles(files)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.links["alias.txt"] != "orig.txt" {
		t.Fatalf("expected alias.txt hardlinked to orig.txt, got %+v", sink.links)
	}
}

func TestSchedulerMissingParentIsFatal(t *testing.T) {
	sink := newRecordingSink()
	sched := NewScheduler(sink, nil, &progress.Counters{}, 4)

	files := []*cpio.File{
		regFile(1, 1, "orphan/file.txt"), // "orphan" was never emitted as a directory
	}
	err := sched.Run(context.Background(), feedFiles(files))
	if err == nil {
		t.Fatal("expected a fatal error for a missing parent directory task")
	}
}

func TestSchedulerSwallowsPerFileFailures(t *testing.T) {
	sink := newRecordingSink()
	sink.failOn["bad.txt"] = true
	counters := &progress.Counters{}
	sched := NewScheduler(sink, nil, counters, 4)

	files := []*cpio.File{
		regFile(1, 1, "bad.txt"),
		regFile(1, 2, "good.txt"),
	}
	if err := sched.Run(context.Background(), feedFiles(files)); err != nil {
		t.Fatalf("Run should swallow per-file errors, got: %v", err)
	}
	snap := counters.Snapshot()
	if snap.FilesFailed != 1 || snap.FilesMaterialized != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if !sink.files["good.txt"] {
		t.Fatal("good.txt should still have been materialized")
	}
}

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"a":         ".",
		"a/b":       "a",
		"a/b/c.txt": "a/b",
	}
	for in, want := range cases {
		if got := parentDir(in); got != want {
			t.Errorf("parentDir(%q) = %q, want %q", in, got, want)
		}
	}
}
