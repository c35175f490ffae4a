package cache

import (
	"path/filepath"
	"testing"

	"gradedag/internal/dag"
	"gradedag/internal/store"
)

func TestCacheMissThenHit(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	fp := Fingerprint("abc123")
	if _, ok, err := c.Get(fp); err != nil || ok {
		t.Fatalf("Get on empty cache = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	entry := Entry{
		Result:  dag.Result{Status: dag.StatusSuccess, ReturnCode: 0},
		Stdout:  store.Key("deadbeef"),
		Outputs: map[string]store.Key{"out.txt": store.Key("cafef00d")},
	}
	if err := c.Put(fp, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Get(fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Stdout != entry.Stdout {
		t.Errorf("stdout = %v, want %v", got.Stdout, entry.Stdout)
	}
	if got.Result.Status != dag.StatusSuccess {
		t.Errorf("status = %v, want success", got.Result.Status)
	}
	if got.Outputs["out.txt"] != store.Key("cafef00d") {
		t.Errorf("outputs[out.txt] = %v, want cafef00d", got.Outputs["out.txt"])
	}
}

func TestComputeIsStableAndSensitiveToArgs(t *testing.T) {
	e1 := dag.NewExecution("a", dag.SystemCommand("echo"), "hi")
	e2 := dag.NewExecution("b", dag.SystemCommand("echo"), "bye")

	fp1 := Compute(e1, "", nil)
	fp1Again := Compute(e1, "", nil)
	fp2 := Compute(e2, "", nil)

	if fp1 != fp1Again {
		t.Error("Compute should be stable across calls with the same execution")
	}
	if fp1 == fp2 {
		t.Error("Compute should differ when the args differ")
	}
}
