package dag

import (
	"time"

	"github.com/google/uuid"
)

// Command selects what the sandbox actually execs: a name resolved against
// the box's PATH (System), or one of the DAG's own files run as the
// program (Local, e.g. a submitted solution binary). Local is the nil
// uuid for a System command; IsLocal reflects that rather than a separate
// flag so the zero value round-trips through JSON unambiguously.
type Command struct {
	System string
	Local  FileUuid
}

// SystemCommand builds a Command that resolves name on the sandbox's PATH.
func SystemCommand(name string) Command { return Command{System: name} }

// LocalCommand builds a Command that execs the given file as the program.
func LocalCommand(file FileUuid) Command { return Command{Local: file} }

// IsLocal reports whether the command execs one of the DAG's own files.
func (c Command) IsLocal() bool { return c.Local != uuid.Nil }

// Input describes one file made available inside the sandbox before it
// starts, at a path relative to the sandbox root.
type Input struct {
	File       FileUuid
	Executable bool
}

// Limits bounds the resources a single execution may consume. Zero values
// mean "no limit" except where noted.
type Limits struct {
	CPUTime    time.Duration
	SysTime    time.Duration
	WallTime   time.Duration
	ExtraTime  time.Duration // added to both cpu+sys and wall before enforcement
	MemoryKiB  uint64
	MaxProcs   uint32
	ReadOnly   bool
	Tmpfs      bool
	ExtraReadableDirs []string
}

// Execution is one sandboxed process in the DAG: a command, its arguments,
// environment, declared inputs and outputs, and resource limits.
type Execution struct {
	UUID        ExecutionUuid
	Description string
	Command     Command
	Args        []string
	Env         map[string]string

	Stdin  FileUuid // zero uuid means /dev/null
	HasStdin bool
	Stdout *File
	Stderr *File

	Inputs  map[string]Input // sandbox-relative path -> input
	Outputs map[string]*File // sandbox-relative path -> declared output file

	Limits Limits

	// PriorityTag breaks ties in the scheduler's ready queue: lower
	// values run first; equal tags fall back to uuid order.
	PriorityTag int64
}

// NewExecution allocates an execution with its own stdout/stderr output
// files pre-created, as every execution always has both.
func NewExecution(description string, command Command, args ...string) *Execution {
	return &Execution{
		UUID:        NewExecutionUuid(),
		Description: description,
		Command:     command,
		Args:        args,
		Env:         map[string]string{},
		Inputs:      map[string]Input{},
		Outputs:     map[string]*File{},
		Stdout:      NewFile(description + " stdout"),
		Stderr:      NewFile(description + " stderr"),
	}
}

// SetStdin wires f as the execution's standard input.
func (e *Execution) SetStdin(f *File) {
	e.Stdin = f.UUID
	e.HasStdin = true
}

// AddInput declares a file available at path inside the sandbox.
func (e *Execution) AddInput(path string, f *File, executable bool) {
	e.Inputs[path] = Input{File: f.UUID, Executable: executable}
}

// Output declares a new output file at the given sandbox-relative path and
// registers it for the execution to produce.
func (e *Execution) Output(path string) *File {
	f := NewFile(e.Description + " output " + path)
	e.Outputs[path] = f
	return f
}

// Status is the lifecycle state of an execution or file within a running
// evaluation.
type Status int

const (
	StatusWaiting Status = iota
	StatusReady
	StatusRunning
	StatusDone
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// isValidTransition mirrors the teacher's StateMachine switch: only the
// edges a single execution's lifecycle is ever allowed to take.
func isValidTransition(current, target Status) bool {
	switch current {
	case StatusWaiting:
		return target == StatusReady || target == StatusSkipped
	case StatusReady:
		return target == StatusRunning || target == StatusSkipped
	case StatusRunning:
		return target == StatusDone || target == StatusFailed
	case StatusDone, StatusFailed, StatusSkipped:
		return false
	default:
		return false
	}
}
