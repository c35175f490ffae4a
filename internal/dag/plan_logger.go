package dag

import (
	"context"

	"gradedag/internal/logger"
)

// LogPlan captures the shape of a DAG right before it's submitted for
// evaluation and logs it as one structured event: execution count, file
// count, and an estimate of how many executions could start immediately
// (those with no stdin/input/command dependency on another execution's
// output).
func LogPlan(ctx context.Context, runID string, d *ExecutionDAG) {
	if d == nil {
		logger.LogEvent(ctx, runID, "dag", "plan_invalid", map[string]string{"error": "dag is nil"})
		return
	}

	payload := map[string]interface{}{
		"executions":       summarizeExecutions(d),
		"provided_files":   len(d.ProvidedFiles),
		"metrics": map[string]interface{}{
			"execution_count":  len(d.Executions),
			"est_parallelism":  estimateParallelism(d),
		},
	}

	logger.LogEvent(ctx, runID, "dag", "plan_generated", payload)
}

func summarizeExecutions(d *ExecutionDAG) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(d.Executions))
	for _, e := range d.Executions {
		out = append(out, map[string]interface{}{
			"uuid":        e.UUID.String(),
			"description": e.Description,
			"inputs":      len(e.Inputs),
			"outputs":     len(e.Outputs),
		})
	}
	return out
}

// estimateParallelism counts executions with zero unmet dependencies —
// the executions findCycle's dependency walk would mark immediately
// ready, i.e. the first scheduling wave's width.
func estimateParallelism(d *ExecutionDAG) int {
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

	count := 0
	for _, e := range d.Executions {
		ready := true
		check := func(f FileUuid) {
			if _, produced := producerOf[f]; produced {
				ready = false
			}
		}
		if e.HasStdin {
			check(e.Stdin)
		}
		for _, in := range e.Inputs {
			check(in.File)
		}
		if e.Command.IsLocal() {
			check(e.Command.Local)
		}
		if ready {
			count++
		}
	}
	return count
}
