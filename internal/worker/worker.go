// Package worker implements the worker side of the protocol: pull a job,
// materialize its inputs from the file store, run it inside a sandbox,
// insert its outputs back into the store, and report the result.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gradedag/internal/classify"
	"gradedag/internal/dag"
	"gradedag/internal/sandbox"
	"gradedag/internal/store"
	"gradedag/internal/wire"
)

// pollInterval is how long a worker waits before asking again after a
// NoWork response.
const pollInterval = 200 * time.Millisecond

// Worker pulls executions from one executor connection, runs them, and
// reports results, until the connection closes or its context is
// cancelled.
type Worker struct {
	ID      string
	Conn    *wire.Conn
	Store   *store.Store
	Sandbox *sandbox.Sandbox
	BoxRoot string // scratch directory for sandbox box directories
}

// Run is the worker's main loop: state machine Connecting -> Waiting ->
// Running -> Waiting, until Disconnected (the connection closes, which is
// a clean shutdown, not an error).
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := w.Conn.Send(wire.GetWork{Worker: w.ID}); err != nil {
			return fmt.Errorf("worker %s: send GetWork: %w", w.ID, err)
		}

		msg, err := w.Conn.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %s: recv: %w", w.ID, err)
		}

		switch m := msg.(type) {
		case wire.NoWork:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		case wire.Work:
			done := w.runOne(ctx, m)
			if err := w.Conn.Send(done); err != nil {
				return fmt.Errorf("worker %s: send WorkerDone: %w", w.ID, err)
			}
		default:
			return fmt.Errorf("worker %s: unexpected message %T", w.ID, msg)
		}
	}
}

// runOne materializes one execution's inputs, runs it under the sandbox,
// and collects its outputs. Any error here is a sandbox-level failure
// (InternalError), reported via WorkerDone.Err — distinct from a normal,
// non-zero process result, which is reported as an ordinary Result.
func (w *Worker) runOne(ctx context.Context, work wire.Work) wire.WorkerDone {
	_ = ctx
	done := wire.WorkerDone{Worker: w.ID, Execution: work.Execution}

	boxDir := filepath.Join(w.BoxRoot, work.Execution.String())
	defer w.Sandbox.Cleanup(boxDir)

	spec, err := w.buildSpec(work, boxDir)
	if err != nil {
		done.Err = err.Error()
		return done
	}

	result, err := w.Sandbox.Run(spec)
	if err != nil && classify.IsRetryable(err) {
		result, err = w.Sandbox.Run(spec)
	}
	if err != nil {
		done.Err = err.Error()
		return done
	}
	done.Result = dag.Result{Status: result.Status, ReturnCode: result.ReturnCode, Signal: result.Signal, Resources: result.Resources, Message: result.Message}

	if result.Status == dag.StatusSuccess || isProcessFailure(result.Status) {
		outputKeys, stdoutKey, stderrKey, err := w.collectOutputs(work.Spec, boxDir)
		if err != nil {
			done.Err = err.Error()
			return done
		}
		done.StdoutKey = stdoutKey
		done.StderrKey = stderrKey
		done.OutputKeys = outputKeys
	}
	return done
}

func isProcessFailure(s dag.ExecutionStatus) bool {
	return s == dag.StatusReturnCode || s == dag.StatusSignal ||
		s == dag.StatusTimeLimitExceeded || s == dag.StatusSysTimeLimitExceeded ||
		s == dag.StatusWallTimeLimitExceeded || s == dag.StatusMemoryLimitExceeded
}

// buildSpec resolves a dag.Execution's dependencies — already-resolved as
// store keys in work — into concrete on-disk paths pulled from the shared
// file store, ready for sandbox.Sandbox.Run.
func (w *Worker) buildSpec(work wire.Work, boxDir string) (sandbox.Spec, error) {
	e := work.Spec
	spec := sandbox.Spec{
		Args:       e.Args,
		Env:        e.Env,
		Limits:     e.Limits,
		BoxDir:     boxDir,
		StdoutPath: "stdout",
		StderrPath: "stderr",
	}

	if e.Command.IsLocal() {
		path, err := w.materializeTemp(work.CommandKey, "command")
		if err != nil {
			return spec, fmt.Errorf("resolve local command: %w", err)
		}
		if err := os.Chmod(path, 0500); err != nil {
			return spec, fmt.Errorf("chmod local command: %w", err)
		}
		spec.BinaryName = path
	} else {
		spec.BinaryName = e.Command.System
	}

	if e.HasStdin {
		path, err := w.materializeTemp(work.StdinKey, "stdin-src")
		if err != nil {
			return spec, fmt.Errorf("materialize stdin: %w", err)
		}
		spec.StdinPath = path
	}

	for path, in := range e.Inputs {
		key, ok := work.InputKeys[path]
		if !ok {
			return spec, fmt.Errorf("no resolved store key for input %q", path)
		}
		src, err := w.materializeTemp(key, "input-"+path)
		if err != nil {
			return spec, fmt.Errorf("materialize input %q: %w", path, err)
		}
		spec.Inputs = append(spec.Inputs, sandbox.InputFile{Path: path, Source: src, Executable: in.Executable})
	}

	for path := range e.Outputs {
		spec.Outputs = append(spec.Outputs, sandbox.OutputFile{Path: path})
	}

	return spec, nil
}

// materializeTemp copies a file-store blob to a scratch path outside the
// box directory under a caller-chosen name, since the store keys blobs by
// content digest, not by the sandbox-relative path an execution wants
// them at.
func (w *Worker) materializeTemp(key store.Key, name string) (string, error) {
	data, err := w.Store.Read(key)
	if err != nil {
		return "", fmt.Errorf("read store key %s: %w", key, err)
	}
	dest := filepath.Join(w.BoxRoot, "tmp-"+name+"-"+string(key))
	if err := os.WriteFile(dest, data, 0400); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return dest, nil
}

// collectOutputs reads stdout, stderr, and every declared output path out
// of the box directory and inserts each into the shared store.
func (w *Worker) collectOutputs(e *dag.Execution, boxDir string) (map[string]store.Key, store.Key, store.Key, error) {
	outputs := map[string]store.Key{}

	stdoutKey, err := w.insertFromBox(boxDir, "stdout")
	if err != nil {
		return nil, "", "", err
	}
	stderrKey, err := w.insertFromBox(boxDir, "stderr")
	if err != nil {
		return nil, "", "", err
	}
	for path := range e.Outputs {
		key, err := w.insertFromBox(boxDir, path)
		if err != nil {
			return nil, "", "", err
		}
		outputs[path] = key
	}
	return outputs, stdoutKey, stderrKey, nil
}

func (w *Worker) insertFromBox(boxDir, relPath string) (store.Key, error) {
	full := filepath.Join(boxDir, "box", relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read produced file %q: %w", relPath, err)
	}
	h, err := w.Store.Insert(data)
	if err != nil {
		return "", fmt.Errorf("insert produced file %q: %w", relPath, err)
	}
	defer h.Release()
	return h.Key(), nil
}
