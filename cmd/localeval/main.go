// Command localeval runs one DAG end to end in a single process: no
// executor/worker split, no network, just N in-process workers sharing a
// file store and driving the sandbox directly. Useful for running a
// grading job from the command line or exercising a DAG during
// development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gradedag/internal/cache"
	"gradedag/internal/dag"
	"gradedag/internal/executor"
	"gradedag/internal/sandbox"
	"gradedag/internal/store"
)

func main() {
	dagPath := flag.String("dag", "", "path to a JSON-encoded DAG (required)")
	storeDir := flag.String("store", "./data/store", "file store directory")
	cachePath := flag.String("cache", "./data/cache.db", "result cache path")
	boxRoot := flag.String("box-root", "./data/boxes", "scratch directory for sandbox boxes")
	sandboxBin := flag.String("sandbox", "tmbox", "sandbox binary name or path")
	cores := flag.Int("cores", 1, "number of in-process workers to run concurrently")
	keep := flag.Bool("keep", false, "keep sandbox box directories after each run, for debugging")
	flag.Parse()

	if *dagPath == "" {
		log.Fatal("[localeval] -dag is required")
	}
	if *cores < 1 {
		log.Fatal("[localeval] -cores must be at least 1")
	}

	f, err := os.Open(*dagPath)
	if err != nil {
		log.Fatalf("[localeval] open dag: %v", err)
	}
	d, err := dag.LoadJSON(f)
	f.Close()
	if err != nil {
		log.Fatalf("[localeval] load dag: %v", err)
	}

	if err := os.MkdirAll(*boxRoot, 0755); err != nil {
		log.Fatalf("[localeval] box root: %v", err)
	}
	st, err := store.Open(*storeDir, 0)
	if err != nil {
		log.Fatalf("[localeval] store: %v", err)
	}
	c, err := cache.Open(*cachePath)
	if err != nil {
		log.Fatalf("[localeval] cache: %v", err)
	}
	defer c.Close()

	sb := sandbox.New(*sandboxBin)
	if *keep {
		sb.Keep()
	}

	lw := &localWorker{store: st, sandbox: sb, boxRoot: filepath.Clean(*boxRoot)}

	ex := executor.New(st, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("[localeval] interrupted")
		cancel()
	}()

	go func() {
		for i := 0; i < *cores; i++ {
			ex.RegisterLocalWorker(fmt.Sprintf("local-%d", i), lw.run)
		}
	}()

	if err := ex.EvaluateLocal(ctx, d); err != nil {
		log.Fatalf("[localeval] evaluate: %v", err)
	}
	log.Println("[localeval] done")
}

// localWorker resolves a dag.Execution's dependencies straight out of the
// shared store and drives the sandbox directly, the in-process analogue
// of what a networked worker does against a wire.Work message.
type localWorker struct {
	store   *store.Store
	sandbox *sandbox.Sandbox
	boxRoot string
}

func (w *localWorker) run(e *dag.Execution, resolve func(dag.FileUuid) (store.Key, bool)) (dag.Result, map[string]store.Key, store.Key, store.Key, error) {
	boxDir := filepath.Join(w.boxRoot, e.UUID.String())
	defer w.sandbox.Cleanup(boxDir)

	spec, err := w.buildSpec(e, resolve, boxDir)
	if err != nil {
		return dag.Result{}, nil, "", "", err
	}

	result, err := w.sandbox.Run(spec)
	if err != nil {
		return dag.Result{}, nil, "", "", err
	}

	res := dag.Result{Status: result.Status, ReturnCode: result.ReturnCode, Signal: result.Signal, Resources: result.Resources, Message: result.Message}
	if result.Status != dag.StatusSuccess && !isProcessFailure(result.Status) {
		return res, nil, "", "", nil
	}

	outputs, stdoutKey, stderrKey, err := w.collectOutputs(e, boxDir)
	if err != nil {
		return dag.Result{}, nil, "", "", err
	}
	return res, outputs, stdoutKey, stderrKey, nil
}

func isProcessFailure(s dag.ExecutionStatus) bool {
	return s == dag.StatusReturnCode || s == dag.StatusSignal ||
		s == dag.StatusTimeLimitExceeded || s == dag.StatusSysTimeLimitExceeded ||
		s == dag.StatusWallTimeLimitExceeded || s == dag.StatusMemoryLimitExceeded
}

func (w *localWorker) buildSpec(e *dag.Execution, resolve func(dag.FileUuid) (store.Key, bool), boxDir string) (sandbox.Spec, error) {
	spec := sandbox.Spec{
		Args:       e.Args,
		Env:        e.Env,
		Limits:     e.Limits,
		BoxDir:     boxDir,
		StdoutPath: "stdout",
		StderrPath: "stderr",
	}

	if e.Command.IsLocal() {
		key, ok := resolve(e.Command.Local)
		if !ok {
			return spec, fmt.Errorf("no resolved store key for local command")
		}
		path, err := w.materializeTemp(key, "command")
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
		key, ok := resolve(e.Stdin)
		if !ok {
			return spec, fmt.Errorf("no resolved store key for stdin")
		}
		path, err := w.materializeTemp(key, "stdin-src")
		if err != nil {
			return spec, fmt.Errorf("materialize stdin: %w", err)
		}
		spec.StdinPath = path
	}

	for path, in := range e.Inputs {
		key, ok := resolve(in.File)
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

func (w *localWorker) materializeTemp(key store.Key, name string) (string, error) {
	data, err := w.store.Read(key)
	if err != nil {
		return "", fmt.Errorf("read store key %s: %w", key, err)
	}
	dest := filepath.Join(w.boxRoot, "tmp-"+name+"-"+string(key))
	if err := os.WriteFile(dest, data, 0400); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return dest, nil
}

func (w *localWorker) collectOutputs(e *dag.Execution, boxDir string) (map[string]store.Key, store.Key, store.Key, error) {
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

func (w *localWorker) insertFromBox(boxDir, relPath string) (store.Key, error) {
	full := filepath.Join(boxDir, "box", relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read produced file %q: %w", relPath, err)
	}
	h, err := w.store.Insert(data)
	if err != nil {
		return "", fmt.Errorf("insert produced file %q: %w", relPath, err)
	}
	defer h.Release()
	return h.Key(), nil
}
