package wire

import (
	"time"

	"gradedag/internal/dag"
	"gradedag/internal/store"
)

// Evaluate is the Client->Executor request to run an entire DAG.
// WantFiles lists the file uuids the client has registered any callback
// against — the executor's Done lists only these files, and the client
// pulls their bytes.
type Evaluate struct {
	DAG       *dag.ExecutionDAG
	WantFiles []dag.FileUuid
}

// AskFile has a different shape depending on which side sends it.
// Executor->Client: the executor needs bytes for a provided file sourced
// from a path on the client's filesystem, and only File is set. Client->
// Executor: after a Done, the client pulls one produced file it doesn't
// already hold, quoting back the Key and Success the Done message gave it
// for that file uuid.
type AskFile struct {
	File    dag.FileUuid
	Key     store.Key
	Success bool
}

// ProvideFile carries a file's bytes; it is only sent in response to an
// AskFile.
type ProvideFile struct {
	File    dag.FileUuid
	Data    []byte
	Success bool // false if the file was never produced (producer failed/was skipped)
}

// NotifyStart tells the client an execution has been dispatched to a
// worker.
type NotifyStart struct {
	Execution dag.ExecutionUuid
	Worker    string
}

// NotifyDone tells the client an execution reached a terminal result.
type NotifyDone struct {
	Execution dag.ExecutionUuid
	Result    dag.Result
}

// NotifySkip tells the client an execution was cascade-skipped.
type NotifySkip struct {
	Execution dag.ExecutionUuid
}

// StatusRequest polls the executor for a snapshot of in-flight work;
// sent by the client every status poll interval.
type StatusRequest struct{}

// Status is the executor's answer to a StatusRequest.
type Status struct {
	Running       map[dag.ExecutionUuid]time.Duration // elapsed wall time per running execution; the executor leaves it nil
	ReadyQueueLen int
	WaitingWorkers int
}

// ErrorMsg reports a fatal, non-recoverable condition to the peer; the
// connection is expected to close after this.
type ErrorMsg struct {
	Message string
}

// Done marks the end of a DAG evaluation: one entry per file the client
// wanted, success or not. It carries no bytes — the client pulls each
// file's data with an AskFile if it doesn't already hold it.
type Done struct {
	Files []DoneFile
}

// DoneFile is one entry of a Done message: a wanted file's store key and
// whether its producer actually succeeded.
type DoneFile struct {
	File    dag.FileUuid
	Key     store.Key
	Success bool
}

// Stop is the Client->Executor request to end the evaluation early: the
// executor stops dispatching new ready executions, lets whatever is
// already running on a worker finish, then returns from ServeClientConn.
type Stop struct{}

// GetWork is the Worker->Executor request for the next execution to run.
type GetWork struct {
	Worker string
}

// Work is the Executor->Worker response carrying one execution to run,
// along with the already-resolved store keys of its stdin and inputs —
// the scheduler knows these the moment an execution becomes ready, so
// the worker never needs a separate round trip to look them up.
type Work struct {
	Execution dag.ExecutionUuid
	Spec      *dag.Execution
	StdinKey  store.Key
	InputKeys map[string]store.Key
	CommandKey store.Key // resolved binary path's store key, for a Local command
}

// NoWork tells a worker there is no evaluation in progress; it should call
// GetWork again. While an evaluation is in progress the executor holds a
// GetWork until it has an execution for that worker and answers with Work.
type NoWork struct{}

// WorkerDone reports an execution's terminal result back to the executor,
// along with the store keys of whatever it produced. Workers are assumed
// to share the executor's file store directory (local disk or a shared
// network filesystem) and insert their outputs directly; only the
// resulting keys cross the wire.
type WorkerDone struct {
	Worker     string
	Execution  dag.ExecutionUuid
	Result     dag.Result
	StdoutKey  store.Key
	StderrKey  store.Key
	OutputKeys map[string]store.Key
	Err        string // non-empty means a sandbox-level InternalError, not a process result
}
