// Package sandbox wraps a single confined subprocess invocation. It
// shells out to an external sandbox binary (tmbox) rather than
// implementing isolation itself — the isolation primitives (namespaces,
// seccomp, cgroups) belong to a dedicated, security-audited tool, not to
// the scheduler that dispatches work to it.
package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gradedag/internal/dag"
)

// ReadableDirs is the system allowlist of directories every sandbox can
// read regardless of what an execution declares, so that dynamically
// linked binaries and interpreters actually resolve their shared
// libraries.
var ReadableDirs = []string{
	"/lib",
	"/lib64",
	"/usr",
	"/bin",
	"/opt",
	"/etc/alternatives",
	"/var/lib/dpkg/alternatives",
}

// InputFile is one file materialized into the sandbox before it starts.
type InputFile struct {
	Path       string // relative to the sandbox root
	Source     string // absolute path to the bytes to copy in
	Executable bool
}

// OutputFile is one path inside the sandbox whose bytes are collected
// after the process exits.
type OutputFile struct {
	Path string // relative to the sandbox root
	Dest string // not read by Run; callers collect outputs from the box themselves
}

// Spec is everything a single sandbox invocation needs: fully resolved
// absolute paths, no more file-uuid indirection (that's the worker's job,
// resolving a dag.Execution against the file store into a Spec).
type Spec struct {
	BinaryName string // program to exec: an absolute path for a Local command, the System name as given otherwise (not resolved against PATH here)
	Args       []string
	Env        map[string]string

	StdinPath  string // "" means /dev/null
	StdoutPath string
	StderrPath string

	Inputs  []InputFile
	Outputs []OutputFile

	Limits dag.Limits

	BoxDir string // working directory for this one invocation; caller owns its lifecycle
}

// Result is the outcome of one sandbox invocation, already translated
// into the dag package's terminal-status vocabulary.
type Result struct {
	Status     dag.ExecutionStatus
	ReturnCode int
	Signal     int
	Resources  dag.Resources
	Message    string
}

// Sandbox runs one execution to completion inside a fresh box directory.
// A Sandbox holds no per-run state, so one value can run any number of
// executions, each in its own box directory.
type Sandbox struct {
	binaryPath string // path to the tmbox-compatible sandbox executable
	keep       bool
}

// New returns a Sandbox that shells out to the sandbox binary resolved at
// binaryPath (an absolute path or a PATH-resolvable name).
func New(binaryPath string) *Sandbox {
	return &Sandbox{binaryPath: binaryPath}
}

// Keep marks this sandbox's box directory to survive Cleanup, for
// post-mortem debugging of one execution.
func (s *Sandbox) Keep() { s.keep = true }

// Run sets up the box directory, invokes the sandbox binary, and returns
// the terminal result; produced files are left in the box for the caller
// to collect. A non-nil error means the
// sandbox itself failed to run the process (InternalError territory); a
// nil error with any Result.Status (including failure statuses) means the
// process ran and the status is a legitimate outcome.
func (s *Sandbox) Run(spec Spec) (Result, error) {
	if err := s.setup(spec); err != nil {
		return Result{}, fmt.Errorf("sandbox: setup: %w", err)
	}

	cmd := s.buildCommand(spec)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return Result{}, fmt.Errorf("sandbox: invoke %s: %w: %s", s.binaryPath, err, stderr.String())
		}
	}

	var raw tmboxResult
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return Result{}, fmt.Errorf("sandbox: decode result: %w", err)
	}
	if raw.Error {
		return Result{}, fmt.Errorf("sandbox: %s", raw.Message)
	}

	return translate(raw, spec.Limits), nil
}

// Cleanup removes the box directory unless Keep was called, in which case
// it instead restricts it back to a readable mode and leaves it in place
// for inspection.
func (s *Sandbox) Cleanup(boxDir string) error {
	if s.keep {
		return os.Chmod(boxDir, 0755)
	}
	os.Chmod(boxDir, 0700)
	os.Chmod(filepath.Join(boxDir, "box"), 0700)
	return os.RemoveAll(boxDir)
}

type tmboxResult struct {
	Error          bool   `json:"error"`
	Message        string `json:"message"`
	CPUTimeMillis  int64  `json:"cpu_time_ms"`
	SysTimeMillis  int64  `json:"sys_time_ms"`
	WallTimeMillis int64  `json:"wall_time_ms"`
	MemoryKiB      uint64 `json:"memory_usage_kb"`
	StatusCode     int    `json:"status_code"`
	Signal         int    `json:"signal"`
	KilledBySandbox bool  `json:"killed_by_sandbox"`
}

func translate(raw tmboxResult, limits dag.Limits) Result {
	res := dag.Resources{
		CPUTime:  time.Duration(raw.CPUTimeMillis) * time.Millisecond,
		SysTime:  time.Duration(raw.SysTimeMillis) * time.Millisecond,
		WallTime: time.Duration(raw.WallTimeMillis) * time.Millisecond,
		MemoryKiB: raw.MemoryKiB,
	}
	signal := raw.Signal
	if signal == 0 {
		signal = 0 // zero means no signal, never the zero-valued syscall.SIGABRT etc.
	}

	status := dag.StatusSuccess
	switch {
	case raw.KilledBySandbox && limits.MemoryKiB > 0 && raw.MemoryKiB >= limits.MemoryKiB:
		status = dag.StatusMemoryLimitExceeded
	case raw.KilledBySandbox && limits.WallTime > 0 && res.WallTime >= limits.WallTime:
		status = dag.StatusWallTimeLimitExceeded
	case raw.KilledBySandbox && limits.SysTime > 0 && res.SysTime >= limits.SysTime:
		status = dag.StatusSysTimeLimitExceeded
	case raw.KilledBySandbox:
		status = dag.StatusTimeLimitExceeded
	case signal != 0:
		status = dag.StatusSignal
	case raw.StatusCode != 0:
		status = dag.StatusReturnCode
	}

	return Result{
		Status:     status,
		ReturnCode: raw.StatusCode,
		Signal:     signal,
		Resources:  res,
	}
}

// boxSubdir is where a sandbox's inputs, outputs and stdio actually live:
// a child of spec.BoxDir, distinct from the root, so the root itself can
// hold sandbox-internal bookkeeping tmbox wants to write even when the
// box contents are locked read-only.
func boxSubdir(spec Spec) string {
	return filepath.Join(spec.BoxDir, "box")
}

func (s *Sandbox) setup(spec Spec) error {
	box := boxSubdir(spec)
	if err := os.MkdirAll(box, 0700); err != nil {
		return fmt.Errorf("create box dir: %w", err)
	}

	for _, in := range spec.Inputs {
		dest := filepath.Join(box, in.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return err
		}
		data, err := os.ReadFile(in.Source)
		if err != nil {
			return fmt.Errorf("read input %s: %w", in.Path, err)
		}
		perm := os.FileMode(0400)
		if in.Executable {
			perm = 0500
		}
		if err := os.WriteFile(dest, data, perm); err != nil {
			return fmt.Errorf("write input %s: %w", in.Path, err)
		}
	}

	if spec.StdoutPath != "" {
		if err := touchFile(filepath.Join(box, spec.StdoutPath), 0600); err != nil {
			return err
		}
	}
	if spec.StderrPath != "" {
		if err := touchFile(filepath.Join(box, spec.StderrPath), 0600); err != nil {
			return err
		}
	}
	for _, out := range spec.Outputs {
		if err := touchFile(filepath.Join(box, out.Path), 0600); err != nil {
			return err
		}
	}

	if spec.Limits.ReadOnly {
		if err := os.Chmod(box, 0500); err != nil {
			return fmt.Errorf("make box read-only: %w", err)
		}
	}
	return nil
}

func touchFile(path string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return f.Close()
}

// buildCommand constructs the full tmbox invocation, mirroring the flag
// order the original sandbox binary expects: directory, json output, env,
// stdio redirection, resource limits, readable dirs, tmpfs, then the
// command itself.
func (s *Sandbox) buildCommand(spec Spec) *exec.Cmd {
	args := []string{
		"--directory", boxSubdir(spec),
		"--json",
		"--env", "PATH",
	}

	if spec.StdinPath != "" {
		args = append(args, "--stdin", spec.StdinPath)
	} else {
		args = append(args, "--stdin", "/dev/null")
	}
	if spec.StdoutPath != "" {
		args = append(args, "--stdout", spec.StdoutPath)
	} else {
		args = append(args, "--stdout", "/dev/null")
	}
	if spec.StderrPath != "" {
		args = append(args, "--stderr", spec.StderrPath)
	} else {
		args = append(args, "--stderr", "/dev/null")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}

	cpuPlusSys := spec.Limits.CPUTime + spec.Limits.SysTime + spec.Limits.ExtraTime
	if cpuPlusSys > 0 {
		args = append(args, "--time", fmt.Sprintf("%.3f", cpuPlusSys.Seconds()))
	}
	wall := spec.Limits.WallTime + spec.Limits.ExtraTime
	if wall > 0 {
		args = append(args, "--wall", fmt.Sprintf("%.3f", wall.Seconds()))
	}
	if spec.Limits.MemoryKiB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.Limits.MemoryKiB))
	}
	if spec.Limits.MaxProcs != 1 {
		args = append(args, "--multiprocess")
	}

	for _, dir := range ReadableDirs {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--readable-dir", dir)
		}
	}
	for _, dir := range spec.Limits.ExtraReadableDirs {
		args = append(args, "--readable-dir", dir)
	}
	if spec.Limits.Tmpfs {
		args = append(args, "--mount-tmpfs")
	}

	args = append(args, "--")
	args = append(args, spec.BinaryName)
	args = append(args, spec.Args...)

	return exec.Command(s.binaryPath, args...)
}
