package dag

import (
	"errors"
	"fmt"
)

// Sentinel validation errors, checked with errors.Is by callers that only
// care about the failure category.
var (
	ErrMissingDependency    = errors.New("dag: missing dependency")
	ErrDuplicateProducer    = errors.New("dag: duplicate producer")
	ErrDependencyCycle      = errors.New("dag: dependency cycle")
	ErrUnknownCallbackTarget = errors.New("dag: callback registered against unknown uuid")
)

// ValidationError collects every problem CheckDAG found; Error() reports
// the first one but all are available via Errors for diagnostics.
type ValidationError struct {
	Errors []error
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "dag: invalid"
	}
	return v.Errors[0].Error()
}

func (v *ValidationError) Unwrap() []error { return v.Errors }

// CheckDAG validates an ExecutionDAG before it is handed to a scheduler:
// every input references a known file, no file is produced twice, the
// dependency graph is acyclic, and every callback targets a uuid that
// actually exists in the DAG.
func CheckDAG(d *ExecutionDAG) error {
	var errs []error

	produced := d.AllProducedFiles()

	// Duplicate producers: two outputs claiming the same file uuid can't
	// happen by construction (Output allocates a fresh uuid), but a
	// provided file reused as a declared output is still possible if the
	// caller wires the same *File into both an Output slot and
	// ProvideFile — guard against it explicitly.
	for id := range produced {
		if _, isProvided := d.ProvidedFiles[id]; isProvided {
			errs = append(errs, fmt.Errorf("%w: file %s is both provided and produced", ErrDuplicateProducer, id))
		}
	}

	knownFiles := map[FileUuid]bool{}
	for id := range d.ProvidedFiles {
		knownFiles[id] = true
	}
	for id := range produced {
		knownFiles[id] = true
	}

	// Every execution's stdin/inputs must reference a known file.
	for _, e := range d.Executions {
		if e.HasStdin && !knownFiles[e.Stdin] {
			errs = append(errs, fmt.Errorf("%w: execution %s stdin %s", ErrMissingDependency, e.UUID, e.Stdin))
		}
		for path, in := range e.Inputs {
			if !knownFiles[in.File] {
				errs = append(errs, fmt.Errorf("%w: execution %s input %q (%s)", ErrMissingDependency, e.UUID, path, in.File))
			}
		}
		if e.Command.IsLocal() && !knownFiles[e.Command.Local] {
			errs = append(errs, fmt.Errorf("%w: execution %s command file %s", ErrMissingDependency, e.UUID, e.Command.Local))
		}
	}

	if cyc := findCycle(d); cyc != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrDependencyCycle, cyc))
	}

	for id := range d.executionCallbacks {
		if _, ok := d.Executions[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: execution %s", ErrUnknownCallbackTarget, id))
		}
	}
	for id := range d.fileCallbacks {
		if !knownFiles[id] {
			errs = append(errs, fmt.Errorf("%w: file %s", ErrUnknownCallbackTarget, id))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// findCycle walks the execution-to-execution dependency graph (an edge
// exists from the execution producing a file to the execution consuming
// it) with a DFS coloring scheme: gray nodes are on the current recursion
// stack, so hitting one again means a cycle. Mirrors the teacher's
// checkCycles/hasCycle pair, generalized from node IDs to execution
// uuids and from an adjacency list of explicit edges to one derived from
// file producer/consumer relationships.
func findCycle(d *ExecutionDAG) []ExecutionUuid {
	producerOf := map[FileUuid]ExecutionUuid{}
	for _, e := range d.Executions {
		if e.Stdout != nil {
			producerOf[e.Stdout.UUID] = e.UUID
		}
		if e.Stderr != nil {
			producerOf[e.Stderr.UUID] = e.UUID
		}
		for _, f := range e.Outputs {
			producerOf[f.UUID] = e.UUID
		}
	}

	deps := func(e *Execution) []ExecutionUuid {
		var out []ExecutionUuid
		add := func(f FileUuid) {
			if p, ok := producerOf[f]; ok {
				out = append(out, p)
			}
		}
		if e.HasStdin {
			add(e.Stdin)
		}
		for _, in := range e.Inputs {
			add(in.File)
		}
		if e.Command.IsLocal() {
			add(e.Command.Local)
		}
		return out
	}

	colors := map[ExecutionUuid]color{}
	var stack []ExecutionUuid

	var visit func(id ExecutionUuid) []ExecutionUuid
	visit = func(id ExecutionUuid) []ExecutionUuid {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range deps(d.Executions[id]) {
			switch colors[dep] {
			case gray:
				return append([]ExecutionUuid{}, stack...)
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for id := range d.Executions {
		if colors[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
