// Package executor hosts the long-lived server process: it owns the file
// store and result cache, accepts worker connections, accepts one client
// evaluation at a time, and drives a scheduler.Scheduler to completion,
// translating its events into either direct in-process callback calls
// (local evaluation) or wire protocol messages (networked evaluation).
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"gradedag/internal/cache"
	"gradedag/internal/dag"
	"gradedag/internal/logger"
	"gradedag/internal/metrics"
	"gradedag/internal/scheduler"
	"gradedag/internal/store"
	"gradedag/internal/wire"
)

// Executor owns the shared file store and result cache and drives DAG
// evaluations, dispatching ready executions to whatever workers are
// currently connected.
type Executor struct {
	Store *store.Store
	Cache *cache.Cache // nil disables the result cache

	mu      sync.Mutex
	current *scheduler.Scheduler // the in-flight evaluation, one at a time
	workers map[string]*remoteWorker
}

// New creates an Executor over an already-open store and cache.
func New(st *store.Store, c *cache.Cache) *Executor {
	return &Executor{Store: st, Cache: c, workers: map[string]*remoteWorker{}}
}

type remoteWorker struct {
	id   string
	conn *wire.Conn
}

// EvaluateLocal runs d to completion in-process, firing the DAG's own
// registered callbacks directly (no wire protocol involved) and
// dispatching ready executions to whatever workers are registered with
// RegisterLocalWorker. It blocks until every execution reaches a terminal
// status.
func (ex *Executor) EvaluateLocal(ctx context.Context, d *dag.ExecutionDAG) error {
	dag.LogPlan(ctx, logger.GenerateRunID(), d)

	metrics.IncrementActiveEvaluations()
	defer metrics.DecrementActiveEvaluations()

	ctx, span := metrics.StartSpan(ctx, "executor.evaluate_local")
	defer span.End()

	providedKeys, err := ex.insertProvidedFiles(d)
	if err != nil {
		return err
	}

	doneCh := make(chan struct{})
	events := scheduler.Events{
		ExecStart: func(id dag.ExecutionUuid, worker string) {
			if cbs := d.ExecutionCallbacksFor(id); cbs != nil {
				for _, f := range cbs.OnStart {
					if err := f(worker); err != nil {
						log.Printf("[executor] on_start callback for %s: %v", id, err)
					}
				}
			}
		},
		ExecDone: func(id dag.ExecutionUuid, result dag.Result) {
			if cbs := d.ExecutionCallbacksFor(id); cbs != nil {
				for _, f := range cbs.OnDone {
					if err := f(result); err != nil {
						log.Printf("[executor] on_done callback for %s: %v", id, err)
					}
				}
			}
		},
		ExecSkip: func(id dag.ExecutionUuid) {
			if cbs := d.ExecutionCallbacksFor(id); cbs != nil {
				for _, f := range cbs.OnSkip {
					if err := f(); err != nil {
						log.Printf("[executor] on_skip callback for %s: %v", id, err)
					}
				}
			}
		},
		FileReady: func(id dag.FileUuid, key store.Key) {
			ex.deliverFileCallbacks(d, id, key, true)
		},
		FileFailed: func(id dag.FileUuid) {
			ex.deliverFileCallbacks(d, id, "", false)
		},
	}

	sch := scheduler.New(d, ex.Cache, events)
	ex.mu.Lock()
	ex.current = sch
	ex.mu.Unlock()

	if err := sch.Setup(providedKeys); err != nil {
		return fmt.Errorf("executor: setup: %w", err)
	}

	go ex.pollDone(sch, doneCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ex *Executor) pollDone(sch *scheduler.Scheduler, done chan<- struct{}) {
	sch.WaitUntilDone()
	close(done)
}

func (ex *Executor) insertProvidedFiles(d *dag.ExecutionDAG) (map[dag.FileUuid]store.Key, error) {
	keys := make(map[dag.FileUuid]store.Key, len(d.ProvidedFiles))
	for id, f := range d.ProvidedFiles {
		data := f.Content
		if f.LocalPath != "" {
			var err error
			data, err = readFile(f.LocalPath)
			if err != nil {
				return nil, fmt.Errorf("executor: read provided file %s: %w", f.LocalPath, err)
			}
		}
		h, err := ex.Store.Insert(data)
		if err != nil {
			return nil, fmt.Errorf("executor: insert provided file: %w", err)
		}
		keys[id] = h.Key()
	}
	return keys, nil
}

func (ex *Executor) deliverFileCallbacks(d *dag.ExecutionDAG, id dag.FileUuid, key store.Key, success bool) {
	cbs := d.FileCallbacksFor(id)
	if cbs == nil {
		return
	}
	var data []byte
	if success {
		var err error
		data, err = ex.Store.Read(key)
		if err != nil {
			log.Printf("[executor] read file %s for callback: %v", id, err)
			success = false
		}
	}
	for _, w := range cbs.WriteTo {
		if !success && !w.AllowFailure {
			continue
		}
		perm := 0644
		if w.Executable {
			perm = 0755
		}
		if err := writeFile(w.Path, data, perm); err != nil {
			log.Printf("[executor] write_to %s: %v", w.Path, err)
		}
	}
	for _, g := range cbs.GetContent {
		content := data
		if success && len(content) > g.Limit {
			content = content[:g.Limit]
		}
		var cbErr error
		if !success {
			cbErr = fmt.Errorf("file %s was not produced", id)
		}
		if err := g.Handler(content, cbErr); err != nil {
			log.Printf("[executor] get_content handler for %s: %v", id, err)
		}
	}
}

// LocalRunFunc runs one execution entirely in-process. resolve looks up
// the store key of any file uuid the scheduler has already marked ready
// (stdin, inputs, a Local command's file) — the same resolution a
// networked worker gets for free via wire.Work's pre-filled key fields.
type LocalRunFunc func(e *dag.Execution, resolve func(dag.FileUuid) (store.Key, bool)) (dag.Result, map[string]store.Key, store.Key, store.Key, error)

// RegisterLocalWorker wires an in-process worker (one that shares this
// Executor's Store) into the current evaluation, dispatching executions
// to run via the supplied function.
func (ex *Executor) RegisterLocalWorker(id string, run LocalRunFunc) {
	ex.mu.Lock()
	sch := ex.current
	ex.mu.Unlock()
	if sch == nil {
		return
	}
	var deliver func(*dag.Execution)
	deliver = func(e *dag.Execution) {
		result, outputs, stdoutKey, stderrKey, err := run(e, sch.FileKey)
		if err != nil {
			log.Printf("[executor] local worker %s: %v", id, err)
		}
		sch.Finish(e.UUID, result, outputs, stdoutKey, stderrKey)
		sch.RegisterWorker(scheduler.WorkerSlot{ID: id, Deliver: deliver})
	}
	sch.RegisterWorker(scheduler.WorkerSlot{ID: id, Deliver: deliver})
}

// ServeClientConn drives one Evaluate request to completion over conn:
// receives the DAG, resolves provided files (asking the client for any
// sourced from a local path on its side), dispatches ready executions to
// connected workers, streams Notify* progress and Status replies back,
// and finishes with a Done listing every file the client asked about.
func (ex *Executor) ServeClientConn(ctx context.Context, conn *wire.Conn) error {
	msg, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("executor: recv evaluate: %w", err)
	}
	ev, ok := msg.(wire.Evaluate)
	if !ok {
		return fmt.Errorf("executor: expected Evaluate, got %T", msg)
	}
	d := ev.DAG
	dag.LogPlan(ctx, logger.GenerateRunID(), d)
	wanted := make(map[dag.FileUuid]bool, len(ev.WantFiles))
	for _, id := range ev.WantFiles {
		wanted[id] = true
	}

	metrics.IncrementActiveEvaluations()
	defer metrics.DecrementActiveEvaluations()

	ctx, span := metrics.StartSpan(ctx, "executor.evaluate_client")
	defer span.End()

	var sendMu sync.Mutex
	send := func(m interface{}) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := conn.Send(m); err != nil {
			log.Printf("[executor] client conn send: %v", err)
		}
	}

	events := scheduler.Events{
		ExecStart: func(id dag.ExecutionUuid, worker string) { send(wire.NotifyStart{Execution: id, Worker: worker}) },
		ExecDone:  func(id dag.ExecutionUuid, result dag.Result) { send(wire.NotifyDone{Execution: id, Result: result}) },
		ExecSkip:  func(id dag.ExecutionUuid) { send(wire.NotifySkip{Execution: id}) },
	}

	sch := scheduler.New(d, ex.Cache, events)
	ex.mu.Lock()
	ex.current = sch
	ex.mu.Unlock()
	defer func() {
		ex.mu.Lock()
		if ex.current == sch {
			ex.current = nil
		}
		ex.mu.Unlock()
	}()

	providedKeys, err := ex.resolveClientProvidedFiles(conn, d, &sendMu)
	if err != nil {
		return err
	}
	if err := sch.Setup(providedKeys); err != nil {
		return fmt.Errorf("executor: setup: %w", err)
	}

	doneCh := make(chan struct{})
	go ex.pollDone(sch, doneCh)

	// stopCh closes the moment a client Stop arrives; readErr fires once
	// the connection itself ends (EOF or a read error). Both outlive
	// Done — the client may still be pulling produced files after Done,
	// or may Stop instead of ever asking for them.
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Recv()
			if err == io.EOF {
				readErr <- nil
				return
			}
			if err != nil {
				readErr <- err
				return
			}
			switch req := m.(type) {
			case wire.StatusRequest:
				send(wire.Status{ReadyQueueLen: sch.ReadyQueueLen(), WaitingWorkers: sch.WaitingWorkers()})
			case wire.AskFile:
				ex.servePulledFile(send, req)
			case wire.Stop:
				sch.Stop()
				stopOnce.Do(func() { close(stopCh) })
			}
		}
	}()

	select {
	case <-doneCh:
	case <-stopCh:
		metrics.AddSpanEvent(ctx, "client_stop")
		sch.WaitRunningDone()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	files := make([]wire.DoneFile, 0, len(wanted))
	for id := range wanted {
		key, ok := sch.FileKey(id)
		files = append(files, wire.DoneFile{File: id, Key: key, Success: ok})
	}
	send(wire.Done{Files: files})

	// Keep servicing AskFile pulls for the files just listed in Done
	// until the client disconnects or stops.
	select {
	case <-readErr:
	case <-stopCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// servePulledFile answers a client's post-Done AskFile: it already holds
// the file's store key and success flag from Done, so this is a plain
// store read, not a lookup.
func (ex *Executor) servePulledFile(send func(interface{}), req wire.AskFile) {
	if !req.Success {
		send(wire.ProvideFile{File: req.File, Success: false})
		return
	}
	data, err := ex.Store.Read(req.Key)
	if err != nil {
		log.Printf("[executor] read pulled file %s: %v", req.File, err)
		send(wire.ProvideFile{File: req.File, Success: false})
		return
	}
	send(wire.ProvideFile{File: req.File, Data: data, Success: true})
}

// resolveClientProvidedFiles inserts every provided file's bytes into the
// store: files with inline Content go straight in, files sourced from a
// path on the client's own filesystem are fetched with an AskFile round
// trip since the executor cannot read the client's disk.
func (ex *Executor) resolveClientProvidedFiles(conn *wire.Conn, d *dag.ExecutionDAG, sendMu *sync.Mutex) (map[dag.FileUuid]store.Key, error) {
	keys := make(map[dag.FileUuid]store.Key, len(d.ProvidedFiles))
	for id, f := range d.ProvidedFiles {
		if f.LocalPath == "" {
			h, err := ex.Store.Insert(f.Content)
			if err != nil {
				return nil, fmt.Errorf("executor: insert provided file: %w", err)
			}
			keys[id] = h.Key()
			continue
		}
		sendMu.Lock()
		err := conn.Send(wire.AskFile{File: id})
		sendMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("executor: ask file: %w", err)
		}
		msg, err := conn.Recv()
		if err != nil {
			return nil, fmt.Errorf("executor: recv provide file: %w", err)
		}
		pf, ok := msg.(wire.ProvideFile)
		if !ok || !pf.Success {
			return nil, fmt.Errorf("executor: client could not provide file %s", id)
		}
		h, err := ex.Store.Insert(pf.Data)
		if err != nil {
			return nil, fmt.Errorf("executor: insert provided file: %w", err)
		}
		keys[id] = h.Key()
	}
	return keys, nil
}

// ServeWorkers accepts worker connections on ln until ctx is cancelled,
// handing each off to a loop that feeds it work from whichever evaluation
// is currently running.
func (ex *Executor) ServeWorkers(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("executor: accept worker: %w", err)
		}
		go ex.handleWorkerConn(ctx, wire.NewConn(conn))
	}
}

func (ex *Executor) handleWorkerConn(ctx context.Context, conn *wire.Conn) {
	var workerID string
	for {
		msg, err := conn.Recv()
		if err == io.EOF {
			if workerID != "" {
				ex.mu.Lock()
				sch := ex.current
				delete(ex.workers, workerID)
				n := len(ex.workers)
				ex.mu.Unlock()
				metrics.SetConnectedWorkers(n)
				if sch != nil {
					sch.WorkerDisconnected(workerID)
				}
			}
			return
		}
		if err != nil {
			log.Printf("[executor] worker conn: %v", err)
			return
		}
		req, ok := msg.(wire.GetWork)
		if !ok {
			log.Printf("[executor] worker conn: unexpected message %T", msg)
			continue
		}
		workerID = req.Worker

		ex.mu.Lock()
		ex.workers[workerID] = &remoteWorker{id: workerID, conn: conn}
		n := len(ex.workers)
		sch := ex.current
		ex.mu.Unlock()
		metrics.SetConnectedWorkers(n)
		if sch == nil {
			conn.Send(wire.NoWork{})
			continue
		}

		delivered := make(chan *dag.Execution, 1)
		sch.RegisterWorker(scheduler.WorkerSlot{ID: workerID, Deliver: func(e *dag.Execution) { delivered <- e }})

		select {
		case e := <-delivered:
			ex.dispatchToWorker(ctx, sch, conn, e)
			// loop back: the worker will send another GetWork next.
		case <-ctx.Done():
			return
		}
	}
}

func (ex *Executor) dispatchToWorker(ctx context.Context, sch *scheduler.Scheduler, conn *wire.Conn, e *dag.Execution) {
	ctx, span := metrics.StartSpan(ctx, "executor.dispatch_worker")
	defer span.End()

	work := wire.Work{Execution: e.UUID, Spec: e, InputKeys: map[string]store.Key{}}
	if e.HasStdin {
		work.StdinKey, _ = sch.FileKey(e.Stdin)
	}
	for path, in := range e.Inputs {
		key, _ := sch.FileKey(in.File)
		work.InputKeys[path] = key
	}
	if e.Command.IsLocal() {
		work.CommandKey, _ = sch.FileKey(e.Command.Local)
	}
	if err := conn.Send(work); err != nil {
		log.Printf("[executor] send work: %v", err)
		metrics.RecordSpanError(ctx, err)
		return
	}

	msg, err := conn.Recv()
	if err != nil {
		log.Printf("[executor] recv worker done: %v", err)
		metrics.RecordSpanError(ctx, err)
		return
	}
	wd, ok := msg.(wire.WorkerDone)
	if !ok {
		log.Printf("[executor] expected WorkerDone, got %T", msg)
		return
	}
	if wd.Err != "" {
		log.Printf("[executor] worker %s sandbox error on %s: %s", wd.Worker, wd.Execution, wd.Err)
		sch.Finish(wd.Execution, dag.Result{Status: dag.StatusInternalError, Message: wd.Err}, nil, "", "")
		return
	}
	sch.Finish(wd.Execution, wd.Result, wd.OutputKeys, wd.StdoutKey, wd.StderrKey)
}
