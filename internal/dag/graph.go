package dag

import "fmt"

// ExecutionDAG is the full, client-built description of one evaluation: a
// set of executions and the files the client provides up front. Files
// produced by executions are discovered by walking each Execution's
// Stdout/Stderr/Outputs — there is no separate "produced files" set to
// keep in sync.
type ExecutionDAG struct {
	Executions    map[ExecutionUuid]*Execution
	ProvidedFiles map[FileUuid]*File

	executionCallbacks map[ExecutionUuid]*ExecutionCallbacks
	fileCallbacks      map[FileUuid]*FileCallbacks
}

// NewExecutionDAG returns an empty DAG ready for executions and provided
// files to be registered against it.
func NewExecutionDAG() *ExecutionDAG {
	return &ExecutionDAG{
		Executions:         map[ExecutionUuid]*Execution{},
		ProvidedFiles:      map[FileUuid]*File{},
		executionCallbacks: map[ExecutionUuid]*ExecutionCallbacks{},
		fileCallbacks:      map[FileUuid]*FileCallbacks{},
	}
}

// AddExecution registers an execution with the DAG. Must be called before
// the DAG is submitted to an executor.
func (d *ExecutionDAG) AddExecution(e *Execution) {
	d.Executions[e.UUID] = e
}

// ProvideFile registers a file the client already has bytes for.
func (d *ExecutionDAG) ProvideFile(f *File) error {
	if !f.Provided {
		return fmt.Errorf("dag: file %s is not a provided file", f.UUID)
	}
	d.ProvidedFiles[f.UUID] = f
	return nil
}

func (d *ExecutionDAG) execCallbacks(id ExecutionUuid) *ExecutionCallbacks {
	c, ok := d.executionCallbacks[id]
	if !ok {
		c = &ExecutionCallbacks{}
		d.executionCallbacks[id] = c
	}
	return c
}

func (d *ExecutionDAG) fileCallbacksFor(id FileUuid) *FileCallbacks {
	c, ok := d.fileCallbacks[id]
	if !ok {
		c = &FileCallbacks{}
		d.fileCallbacks[id] = c
	}
	return c
}

// OnExecutionStart registers a handler fired once, when the execution is
// dispatched to a worker.
func (d *ExecutionDAG) OnExecutionStart(id ExecutionUuid, f func(workerUUID string) error) {
	c := d.execCallbacks(id)
	c.OnStart = append(c.OnStart, f)
}

// OnExecutionDone registers a handler fired once with the execution's
// terminal Result, whatever it was.
func (d *ExecutionDAG) OnExecutionDone(id ExecutionUuid, f func(Result) error) {
	c := d.execCallbacks(id)
	c.OnDone = append(c.OnDone, f)
}

// OnExecutionSkip registers a handler fired once if the execution is
// cascade-skipped because a dependency failed.
func (d *ExecutionDAG) OnExecutionSkip(id ExecutionUuid, f func() error) {
	c := d.execCallbacks(id)
	c.OnSkip = append(c.OnSkip, f)
}

// WriteFileTo asks for a file's bytes to be written to a local path once
// they are available.
func (d *ExecutionDAG) WriteFileTo(id FileUuid, path string, executable, allowFailure bool) {
	c := d.fileCallbacksFor(id)
	c.WriteTo = append(c.WriteTo, FileWriteTo{Path: path, Executable: executable, AllowFailure: allowFailure})
}

// GetFileContent asks for up to limit bytes of a file's content to be
// delivered to handler once available (or the failure reason if it never
// was produced).
func (d *ExecutionDAG) GetFileContent(id FileUuid, limit int, handler func([]byte, error) error) {
	c := d.fileCallbacksFor(id)
	c.GetContent = append(c.GetContent, FileGetContentCallback{Limit: limit, Handler: handler})
}

// ExecutionCallbacksFor returns the registered callbacks for id, or nil.
func (d *ExecutionDAG) ExecutionCallbacksFor(id ExecutionUuid) *ExecutionCallbacks {
	return d.executionCallbacks[id]
}

// FileCallbacksFor returns the registered callbacks for id, or nil.
func (d *ExecutionDAG) FileCallbacksFor(id FileUuid) *FileCallbacks {
	return d.fileCallbacks[id]
}

// WantedCallbackFiles returns the set of file uuids that have at least one
// registered callback — the client and executor only bother shipping
// bytes for files something actually asked for.
func (d *ExecutionDAG) WantedCallbackFiles() map[FileUuid]bool {
	out := map[FileUuid]bool{}
	for id := range d.fileCallbacks {
		out[id] = true
	}
	return out
}

// Producer identifies which execution produces a file, and from which
// slot.
type Producer struct {
	Execution ExecutionUuid
	Kind      ProducerKind
	Path      string
}

// ProducerKind distinguishes which slot of an execution produced a file.
type ProducerKind int

const (
	ProducerStdout ProducerKind = iota
	ProducerStderr
	ProducerOutput
)

// AllProducedFiles walks every execution's stdout/stderr/outputs and
// returns the producer of each.
func (d *ExecutionDAG) AllProducedFiles() map[FileUuid]Producer {
	out := map[FileUuid]Producer{}
	for _, e := range d.Executions {
		if e.Stdout != nil {
			out[e.Stdout.UUID] = Producer{Execution: e.UUID, Kind: ProducerStdout}
		}
		if e.Stderr != nil {
			out[e.Stderr.UUID] = Producer{Execution: e.UUID, Kind: ProducerStderr}
		}
		for path, f := range e.Outputs {
			out[f.UUID] = Producer{Execution: e.UUID, Kind: ProducerOutput, Path: path}
		}
	}
	return out
}
