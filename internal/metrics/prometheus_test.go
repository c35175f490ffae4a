package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	RecordCacheLookup(true)
	if got := testutil.ToFloat64(cacheLookups.WithLabelValues("hit")); got < 1 {
		t.Fatalf("expected cache hit counter >= 1, got %v", got)
	}

	IncrementActiveEvaluations()
	if got := testutil.ToFloat64(activeEvaluations); got != 1 {
		t.Fatalf("expected active evaluations 1, got %v", got)
	}
	DecrementActiveEvaluations()
	if got := testutil.ToFloat64(activeEvaluations); got != 0 {
		t.Fatalf("expected active evaluations 0, got %v", got)
	}

	SetConnectedWorkers(3)
	if got := testutil.ToFloat64(connectedWorkers); got != 3 {
		t.Fatalf("expected connected workers 3, got %v", got)
	}
}

func TestExecutionHistogramUpdates(t *testing.T) {
	RecordExecution(1.2, "histogram-test")

	expected := `
# HELP gradedag_execution_seconds Sandboxed execution duration in seconds
# TYPE gradedag_execution_seconds histogram
gradedag_execution_seconds_bucket{status="histogram-test",le="0.1"} 0
gradedag_execution_seconds_bucket{status="histogram-test",le="0.5"} 0
gradedag_execution_seconds_bucket{status="histogram-test",le="1"} 0
gradedag_execution_seconds_bucket{status="histogram-test",le="2"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="5"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="10"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="30"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="60"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="120"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="300"} 1
gradedag_execution_seconds_bucket{status="histogram-test",le="+Inf"} 1
gradedag_execution_seconds_sum{status="histogram-test"} 1.2
gradedag_execution_seconds_count{status="histogram-test"} 1
`
	if err := testutil.CollectAndCompare(executionDuration, strings.NewReader(expected), "gradedag_execution_seconds"); err != nil {
		t.Fatalf("unexpected histogram output: %v", err)
	}
}
