package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gradedag/internal/dag"
)

func TestBuildCommandIncludesExtraTime(t *testing.T) {
	s := New("/usr/bin/tmbox")
	spec := Spec{
		BinaryName: "/bin/true",
		BoxDir:     "/tmp/box",
		Limits: dag.Limits{
			CPUTime:   1 * time.Second,
			WallTime:  2 * time.Second,
			ExtraTime: 500 * time.Millisecond,
			MemoryKiB: 262144,
			MaxProcs:  1,
		},
	}
	cmd := s.buildCommand(spec)

	args := cmd.Args
	if !contains(args, "--time") || !contains(args, "1.500") {
		t.Errorf("expected --time 1.500 in %v", args)
	}
	if !contains(args, "--wall") || !contains(args, "2.500") {
		t.Errorf("expected --wall 2.500 in %v", args)
	}
	if contains(args, "--multiprocess") {
		t.Errorf("did not expect --multiprocess in %v", args)
	}
	if !contains(args, "/bin/true") {
		t.Errorf("expected binary name in %v", args)
	}
}

func TestBuildCommandMultiprocessWhenNotSingleProc(t *testing.T) {
	s := New("/usr/bin/tmbox")
	spec := Spec{BinaryName: "/bin/true", BoxDir: "/tmp/box", Limits: dag.Limits{MaxProcs: 4}}
	cmd := s.buildCommand(spec)
	if !contains(cmd.Args, "--multiprocess") {
		t.Errorf("expected --multiprocess in %v", cmd.Args)
	}
}

func TestBuildCommandDirectoryIsNestedBox(t *testing.T) {
	s := New("/usr/bin/tmbox")
	spec := Spec{BinaryName: "/bin/true", BoxDir: "/tmp/box-root"}
	cmd := s.buildCommand(spec)
	for i, a := range cmd.Args {
		if a == "--directory" {
			if i+1 >= len(cmd.Args) || cmd.Args[i+1] != filepath.Join("/tmp/box-root", "box") {
				t.Errorf("expected --directory to point at the nested box/ dir, got %v", cmd.Args)
			}
			return
		}
	}
	t.Fatal("--directory flag not found")
}

func TestTranslateSignalZeroMeansNoSignal(t *testing.T) {
	raw := tmboxResult{StatusCode: 0, Signal: 0}
	res := translate(raw, dag.Limits{})
	if res.Status != dag.StatusSuccess {
		t.Errorf("status = %v, want success", res.Status)
	}
	if res.Signal != 0 {
		t.Errorf("signal = %d, want 0", res.Signal)
	}
}

func TestTranslateNonZeroExit(t *testing.T) {
	raw := tmboxResult{StatusCode: 1}
	res := translate(raw, dag.Limits{})
	if res.Status != dag.StatusReturnCode {
		t.Errorf("status = %v, want return_code", res.Status)
	}
}

func TestTranslateMemoryLimitExceeded(t *testing.T) {
	raw := tmboxResult{KilledBySandbox: true, MemoryKiB: 300000}
	res := translate(raw, dag.Limits{MemoryKiB: 262144})
	if res.Status != dag.StatusMemoryLimitExceeded {
		t.Errorf("status = %v, want memory_limit_exceeded", res.Status)
	}
}

func TestTranslateWallTimeLimitExceeded(t *testing.T) {
	raw := tmboxResult{KilledBySandbox: true, WallTimeMillis: 5000}
	res := translate(raw, dag.Limits{WallTime: 2 * time.Second})
	if res.Status != dag.StatusWallTimeLimitExceeded {
		t.Errorf("status = %v, want wall_time_limit_exceeded", res.Status)
	}
}

func TestTranslateSysTimeLimitExceeded(t *testing.T) {
	raw := tmboxResult{KilledBySandbox: true, CPUTimeMillis: 100, SysTimeMillis: 3000}
	res := translate(raw, dag.Limits{CPUTime: 2 * time.Second, SysTime: 1 * time.Second})
	if res.Status != dag.StatusSysTimeLimitExceeded {
		t.Errorf("status = %v, want sys_time_limit_exceeded", res.Status)
	}
}

func TestTranslateCPUTimeLimitExceeded(t *testing.T) {
	raw := tmboxResult{KilledBySandbox: true, CPUTimeMillis: 3000, SysTimeMillis: 10}
	res := translate(raw, dag.Limits{CPUTime: 1 * time.Second})
	if res.Status != dag.StatusTimeLimitExceeded {
		t.Errorf("status = %v, want time_limit_exceeded", res.Status)
	}
}

func TestSetupCreatesNestedBoxDir(t *testing.T) {
	root := t.TempDir()
	boxRoot := filepath.Join(root, "run1")
	spec := Spec{
		BoxDir:     boxRoot,
		StdoutPath: "stdout.txt",
		Outputs:    []OutputFile{{Path: "out.txt"}},
	}
	s := New("/usr/bin/tmbox")
	if err := s.setup(spec); err != nil {
		t.Fatalf("setup: %v", err)
	}

	box := filepath.Join(boxRoot, "box")
	if _, err := os.Stat(box); err != nil {
		t.Fatalf("nested box dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(box, "stdout.txt")); err != nil {
		t.Errorf("stdout file not created inside box/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(box, "out.txt")); err != nil {
		t.Errorf("output placeholder not created inside box/: %v", err)
	}
	// the sandbox root itself must stay distinct from box/
	rootEntries, err := os.ReadDir(boxRoot)
	if err != nil {
		t.Fatalf("read box root: %v", err)
	}
	if len(rootEntries) != 1 || rootEntries[0].Name() != "box" {
		t.Errorf("expected only box/ under the sandbox root, got %v", rootEntries)
	}
}

func TestSetupReadOnlyChmodsNestedBoxNotRoot(t *testing.T) {
	root := t.TempDir()
	boxRoot := filepath.Join(root, "run1")
	spec := Spec{BoxDir: boxRoot, Limits: dag.Limits{ReadOnly: true}}
	s := New("/usr/bin/tmbox")
	if err := s.setup(spec); err != nil {
		t.Fatalf("setup: %v", err)
	}

	box := filepath.Join(boxRoot, "box")
	boxInfo, err := os.Stat(box)
	if err != nil {
		t.Fatalf("stat box: %v", err)
	}
	if perm := boxInfo.Mode().Perm(); perm != 0500 {
		t.Errorf("box/ perm = %o, want 0500", perm)
	}

	rootInfo, err := os.Stat(boxRoot)
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if perm := rootInfo.Mode().Perm(); perm == 0500 {
		t.Errorf("sandbox root should not be chmod'd read-only, only box/")
	}

	// restore permissions so TempDir cleanup can remove it
	os.Chmod(box, 0700)
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
