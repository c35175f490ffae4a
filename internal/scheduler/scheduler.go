// Package scheduler tracks dependency readiness across one DAG evaluation
// and hands ready executions to idle workers, consulting the result cache
// before ever bothering a worker with one. A single coarse mutex guards
// all scheduler state; every externally visible effect (firing a
// registered callback, dispatching work to a worker, querying the cache)
// happens after the lock is released, so a callback can never reenter the
// scheduler while it's held.
package scheduler

import (
	"container/heap"
	"sync"

	"gradedag/internal/cache"
	"gradedag/internal/dag"
	"gradedag/internal/metrics"
	"gradedag/internal/store"
)

// Events are the scheduler's outward-facing notifications. None of them
// are called with the scheduler's lock held.
type Events struct {
	ExecStart  func(id dag.ExecutionUuid, worker string)
	ExecDone   func(id dag.ExecutionUuid, result dag.Result)
	ExecSkip   func(id dag.ExecutionUuid)
	FileReady  func(id dag.FileUuid, key store.Key)
	FileFailed func(id dag.FileUuid)
}

// WorkerSlot is how the scheduler hands an execution to a worker; Deliver
// is called at most once per RegisterWorker call, outside the lock.
type WorkerSlot struct {
	ID      string
	Deliver func(exec *dag.Execution)
}

// Scheduler evaluates a single dag.ExecutionDAG to completion.
type Scheduler struct {
	d      *dag.ExecutionDAG
	cache  *cache.Cache
	events Events

	mu            sync.Mutex
	cond          *sync.Cond
	dependents    map[dag.FileUuid][]dag.ExecutionUuid
	producedBy    map[dag.FileUuid]dag.ExecutionUuid
	missingDeps   map[dag.ExecutionUuid]int
	execStatus    map[dag.ExecutionUuid]dag.Status
	fileStatus    map[dag.FileUuid]dag.Status
	fileKeys      map[dag.FileUuid]store.Key
	ready         readyQueue
	waiting       []WorkerSlot
	runningWorker map[dag.ExecutionUuid]string // which worker has each running execution, for disconnect handling
	stopped       bool                         // set by Stop; schedule() stops dispatching new work once true
}

// New builds a Scheduler for d. c may be nil to disable the result cache
// entirely.
func New(d *dag.ExecutionDAG, c *cache.Cache, events Events) *Scheduler {
	s := &Scheduler{
		d:             d,
		cache:         c,
		events:        events,
		dependents:    map[dag.FileUuid][]dag.ExecutionUuid{},
		producedBy:    map[dag.FileUuid]dag.ExecutionUuid{},
		missingDeps:   map[dag.ExecutionUuid]int{},
		execStatus:    map[dag.ExecutionUuid]dag.Status{},
		fileStatus:    map[dag.FileUuid]dag.Status{},
		fileKeys:      map[dag.FileUuid]store.Key{},
		runningWorker: map[dag.ExecutionUuid]string{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// depFiles returns every file uuid execution e must wait on.
func depFiles(e *dag.Execution) []dag.FileUuid {
	var out []dag.FileUuid
	if e.HasStdin {
		out = append(out, e.Stdin)
	}
	for _, in := range e.Inputs {
		out = append(out, in.File)
	}
	if e.Command.IsLocal() {
		out = append(out, e.Command.Local)
	}
	return out
}

// Setup validates the DAG, builds the dependency index, and resolves the
// provided files' store keys (providedKeys must already hold an entry for
// every file in d.ProvidedFiles — the caller inserts their bytes into the
// file store before calling Setup). It then fires schedule() once for any
// executions that had no dependencies at all.
func (s *Scheduler) Setup(providedKeys map[dag.FileUuid]store.Key) error {
	if err := dag.CheckDAG(s.d); err != nil {
		return err
	}

	s.mu.Lock()
	for id, producer := range s.d.AllProducedFiles() {
		s.producedBy[id] = producer.Execution
	}
	for id, e := range s.d.Executions {
		s.execStatus[id] = dag.StatusWaiting
		deps := depFiles(e)
		s.missingDeps[id] = len(deps)
		for _, f := range deps {
			s.dependents[f] = append(s.dependents[f], id)
		}
		if len(deps) == 0 {
			s.execStatus[id] = dag.StatusReady
			heap.Push(&s.ready, readyItem{exec: id, priority: e.PriorityTag})
		}
	}
	s.mu.Unlock()

	for id := range s.d.ProvidedFiles {
		s.FileReady(id, providedKeys[id])
	}
	s.schedule()
	return nil
}

// RegisterWorker makes a worker available to run the next ready
// execution; if one is already waiting, deliver fires before this call
// returns.
func (s *Scheduler) RegisterWorker(slot WorkerSlot) {
	s.mu.Lock()
	s.waiting = append(s.waiting, slot)
	s.mu.Unlock()
	s.schedule()
}

// WorkerDisconnected removes a worker from the idle queue, or, if it had
// an execution in flight, puts that execution back on the ready queue so
// another worker can pick it up.
func (s *Scheduler) WorkerDisconnected(workerID string) {
	s.mu.Lock()
	filtered := s.waiting[:0]
	for _, w := range s.waiting {
		if w.ID != workerID {
			filtered = append(filtered, w)
		}
	}
	s.waiting = filtered

	var requeue dag.ExecutionUuid
	found := false
	for execID, w := range s.runningWorker {
		if w == workerID {
			requeue, found = execID, true
			break
		}
	}
	if found {
		delete(s.runningWorker, requeue)
		s.execStatus[requeue] = dag.StatusReady
		heap.Push(&s.ready, readyItem{exec: requeue, priority: s.d.Executions[requeue].PriorityTag})
	}
	s.mu.Unlock()

	s.schedule()
}

// FileReady marks a file's bytes available under key and wakes any
// executions that were only waiting on it.
func (s *Scheduler) FileReady(id dag.FileUuid, key store.Key) {
	var newlyReady []dag.ExecutionUuid

	s.mu.Lock()
	s.fileStatus[id] = dag.StatusDone
	s.fileKeys[id] = key
	for _, execID := range s.dependents[id] {
		if s.execStatus[execID] != dag.StatusWaiting {
			continue
		}
		s.missingDeps[execID]--
		if s.missingDeps[execID] <= 0 {
			s.execStatus[execID] = dag.StatusReady
			heap.Push(&s.ready, readyItem{exec: execID, priority: s.d.Executions[execID].PriorityTag})
			newlyReady = append(newlyReady, execID)
		}
	}
	s.mu.Unlock()

	if s.events.FileReady != nil {
		s.events.FileReady(id, key)
	}
	_ = newlyReady
	s.schedule()
}

// FileFailed marks a file as never going to be produced (its producer
// failed or was itself skipped) and cascades a skip to every execution
// waiting on it.
func (s *Scheduler) FileFailed(id dag.FileUuid) {
	s.mu.Lock()
	s.fileStatus[id] = dag.StatusFailed
	toSkip := append([]dag.ExecutionUuid(nil), s.dependents[id]...)
	s.mu.Unlock()

	if s.events.FileFailed != nil {
		s.events.FileFailed(id)
	}

	for _, execID := range toSkip {
		s.skip(execID)
	}
	s.schedule()
}

// skip marks one execution skipped (idempotent) and cascades the skip to
// everything it would have produced.
func (s *Scheduler) skip(execID dag.ExecutionUuid) {
	s.mu.Lock()
	status := s.execStatus[execID]
	if status == dag.StatusDone || status == dag.StatusFailed || status == dag.StatusSkipped {
		s.mu.Unlock()
		return
	}
	s.execStatus[execID] = dag.StatusSkipped
	e := s.d.Executions[execID]
	s.mu.Unlock()
	s.cond.Broadcast()

	if s.events.ExecSkip != nil {
		s.events.ExecSkip(execID)
	}

	if e.Stdout != nil {
		s.FileFailed(e.Stdout.UUID)
	}
	if e.Stderr != nil {
		s.FileFailed(e.Stderr.UUID)
	}
	for _, f := range e.Outputs {
		s.FileFailed(f.UUID)
	}
}

// Finish reports an execution's terminal result — whether it came from
// running the sandbox or from a cache hit. A non-success Result still
// counts as Done (the execution itself completed); only its dependents
// get skipped, via FileFailed on each of its produced files. The execution
// is marked Done only after its ExecDone event, cache entry and produced
// files have been reported, so WaitUntilDone never returns ahead of them.
func (s *Scheduler) Finish(execID dag.ExecutionUuid, result dag.Result, outputs map[string]store.Key, stdoutKey, stderrKey store.Key) {
	s.mu.Lock()
	delete(s.runningWorker, execID)
	e := s.d.Executions[execID]
	s.mu.Unlock()

	if s.events.ExecDone != nil {
		s.events.ExecDone(execID, result)
	}
	metrics.RecordExecution(result.Resources.WallTime.Seconds(), result.Status.String())

	if result.IsSuccess() {
		if s.cache != nil {
			fp := s.Fingerprint(execID)
			_ = s.cache.Put(fp, cache.Entry{Result: result, Stdout: stdoutKey, Stderr: stderrKey, Outputs: outputs})
		}
		if e.Stdout != nil {
			s.FileReady(e.Stdout.UUID, stdoutKey)
		}
		if e.Stderr != nil {
			s.FileReady(e.Stderr.UUID, stderrKey)
		}
		for path, f := range e.Outputs {
			s.FileReady(f.UUID, outputs[path])
		}
	} else {
		if e.Stdout != nil {
			s.FileFailed(e.Stdout.UUID)
		}
		if e.Stderr != nil {
			s.FileFailed(e.Stderr.UUID)
		}
		for _, f := range e.Outputs {
			s.FileFailed(f.UUID)
		}
	}

	s.mu.Lock()
	s.execStatus[execID] = dag.StatusDone
	s.mu.Unlock()
	s.cond.Broadcast()
	s.schedule()
}

// Fingerprint computes the cache fingerprint of an execution given the
// dependency file keys resolved so far.
func (s *Scheduler) Fingerprint(execID dag.ExecutionUuid) cache.Fingerprint {
	s.mu.Lock()
	e := s.d.Executions[execID]
	var stdinKey store.Key
	if e.HasStdin {
		stdinKey = s.fileKeys[e.Stdin]
	}
	inputKeys := make(map[string]store.Key, len(e.Inputs))
	for path, in := range e.Inputs {
		inputKeys[path] = s.fileKeys[in.File]
	}
	s.mu.Unlock()
	return cache.Compute(e, stdinKey, inputKeys)
}

// schedule drains as much of the ready queue as it can: cache hits finish
// immediately without consuming a worker, cache misses consume one
// waiting worker each. It returns once either queue is empty.
func (s *Scheduler) schedule() {
	for {
		s.mu.Lock()
		if s.stopped || s.ready.Len() == 0 {
			s.mu.Unlock()
			return
		}
		top := s.ready[0].exec
		s.mu.Unlock()

		if s.cache != nil {
			fp := s.Fingerprint(top)
			entry, ok, err := s.cache.Get(fp)
			if err == nil {
				metrics.RecordCacheLookup(ok)
			}
			if err == nil && ok {
				s.mu.Lock()
				heap.Pop(&s.ready)
				s.mu.Unlock()
				s.Finish(top, entry.Result, entry.Outputs, entry.Stdout, entry.Stderr)
				continue
			}
		}

		s.mu.Lock()
		if len(s.waiting) == 0 {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.ready)
		worker := s.waiting[0]
		s.waiting = s.waiting[1:]
		s.execStatus[top] = dag.StatusRunning
		s.runningWorker[top] = worker.ID
		exec := s.d.Executions[top]
		s.mu.Unlock()

		if s.events.ExecStart != nil {
			s.events.ExecStart(top, worker.ID)
		}
		worker.Deliver(exec)
	}
}

// Done reports whether every execution has reached a terminal status.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDoneLocked()
}

func (s *Scheduler) isDoneLocked() bool {
	for _, st := range s.execStatus {
		if st != dag.StatusDone && st != dag.StatusSkipped && st != dag.StatusFailed {
			return false
		}
	}
	return true
}

// WaitUntilDone blocks until every execution has reached a terminal
// status, or until Stop is called — a stopped evaluation will otherwise
// never reach isDoneLocked, since executions still waiting on the ready
// queue stay waiting forever once dispatch halts.
func (s *Scheduler) WaitUntilDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.isDoneLocked() && !s.stopped {
		s.cond.Wait()
	}
}

// Stop halts dispatch of further ready executions; anything already handed
// to a worker keeps running to completion. Pair with WaitRunningDone to
// implement a drain-then-exit shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// WaitRunningDone blocks until every execution already dispatched to a
// worker has reached a terminal result.
func (s *Scheduler) WaitRunningDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.runningWorker) > 0 {
		s.cond.Wait()
	}
}

// FileKey returns the resolved store key for a file, if it's ready.
func (s *Scheduler) FileKey(id dag.FileUuid) (store.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.fileKeys[id]
	return k, ok
}

// ReadyQueueLen and WaitingWorkers report current queue depths, for the
// executor's status-poll responses.
func (s *Scheduler) ReadyQueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

func (s *Scheduler) WaitingWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
