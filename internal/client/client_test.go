package client

import (
	"io"
	"testing"
	"time"

	"gradedag/internal/dag"
	"gradedag/internal/store"
	"gradedag/internal/wire"
)

// pipeConns returns two *wire.Conn backed by a pair of in-process pipes,
// one for each direction, so both sides can Send and Recv concurrently
// without deadlocking on a single half-duplex io.Pipe.
func pipeConns() (*wire.Conn, *wire.Conn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	left := wire.NewConn(&dup{r: br, w: aw})
	right := wire.NewConn(&dup{r: ar, w: bw})
	return left, right
}

type dup struct {
	r io.Reader
	w io.Writer
}

func (d *dup) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *dup) Write(p []byte) (int, error) { return d.w.Write(p) }

func TestClientEvaluate_FileDeliveryAndCallbacks(t *testing.T) {
	clientConn, serverConn := pipeConns()

	providedFile := dag.ProvidedFile("input", []byte("hello"))
	d := dag.NewExecutionDAG()
	if err := d.ProvideFile(providedFile); err != nil {
		t.Fatalf("provide file: %v", err)
	}

	e := dag.NewExecution("echo", dag.SystemCommand("true"))
	d.AddExecution(e)

	var gotResult dag.Result
	var gotContent []byte
	doneStart := make(chan struct{}, 1)
	d.OnExecutionStart(e.UUID, func(worker string) error { close(doneStart); return nil })
	d.OnExecutionDone(e.UUID, func(r dag.Result) error { gotResult = r; return nil })
	d.GetFileContent(e.Stdout.UUID, 1024, func(data []byte, err error) error {
		gotContent = append([]byte{}, data...)
		return err
	})

	stdoutKey := store.Key("stdout-key")

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		msg, err := serverConn.Recv()
		if err != nil {
			t.Errorf("recv evaluate: %v", err)
			return
		}
		ev, ok := msg.(wire.Evaluate)
		if !ok {
			t.Errorf("expected Evaluate, got %T", msg)
			return
		}
		if len(ev.DAG.ProvidedFiles) != 1 {
			t.Errorf("provided files = %d, want 1", len(ev.DAG.ProvidedFiles))
		}

		if err := serverConn.Send(wire.NotifyStart{Execution: e.UUID, Worker: "w1"}); err != nil {
			t.Errorf("send notify start: %v", err)
			return
		}
		if err := serverConn.Send(wire.NotifyDone{Execution: e.UUID, Result: dag.Result{Status: dag.StatusSuccess}}); err != nil {
			t.Errorf("send notify done: %v", err)
			return
		}
		if err := serverConn.Send(wire.Status{ReadyQueueLen: 0, WaitingWorkers: 1}); err != nil {
			t.Errorf("send status: %v", err)
			return
		}
		if err := serverConn.Send(wire.Done{Files: []wire.DoneFile{{File: e.Stdout.UUID, Key: stdoutKey, Success: true}}}); err != nil {
			t.Errorf("send done: %v", err)
			return
		}

		// the client now pulls the produced file it doesn't hold locally
		msg, err = serverConn.Recv()
		if err != nil {
			t.Errorf("recv ask file: %v", err)
			return
		}
		ask, ok := msg.(wire.AskFile)
		if !ok {
			t.Errorf("expected AskFile, got %T", msg)
			return
		}
		if ask.File != e.Stdout.UUID || ask.Key != stdoutKey || !ask.Success {
			t.Errorf("ask file = %+v, want file=%v key=%v success=true", ask, e.Stdout.UUID, stdoutKey)
		}
		if err := serverConn.Send(wire.ProvideFile{File: ask.File, Data: []byte("ok\n"), Success: true}); err != nil {
			t.Errorf("send provide file: %v", err)
		}
	}()

	c := &Client{Conn: clientConn}
	var gotStatus wire.Status
	statusSeen := make(chan struct{}, 1)
	err := c.Evaluate(d, func(s wire.Status) error {
		gotStatus = s
		select {
		case statusSeen <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	select {
	case <-doneStart:
	case <-time.After(time.Second):
		t.Fatal("on_start callback never fired")
	}
	if gotResult.Status != dag.StatusSuccess {
		t.Errorf("result status = %v, want success", gotResult.Status)
	}
	if string(gotContent) != "ok\n" {
		t.Errorf("content = %q, want %q", gotContent, "ok\n")
	}

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("fake server goroutine never finished")
	}
	select {
	case <-statusSeen:
		if gotStatus.WaitingWorkers != 1 {
			t.Errorf("waiting workers = %d, want 1", gotStatus.WaitingWorkers)
		}
	default:
	}
}

func TestClientEvaluate_DoneWithNoWantedFilesReturnsImmediately(t *testing.T) {
	clientConn, serverConn := pipeConns()

	d := dag.NewExecutionDAG()
	e := dag.NewExecution("echo", dag.SystemCommand("true"))
	d.AddExecution(e)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if _, err := serverConn.Recv(); err != nil {
			t.Errorf("recv evaluate: %v", err)
			return
		}
		if err := serverConn.Send(wire.Done{}); err != nil {
			t.Errorf("send done: %v", err)
		}
	}()

	c := &Client{Conn: clientConn}
	if err := c.Evaluate(d, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("fake server goroutine never finished")
	}
}

func TestClientStop_SendsStopMessage(t *testing.T) {
	clientConn, serverConn := pipeConns()
	c := &Client{Conn: clientConn}

	recvDone := make(chan interface{}, 1)
	go func() {
		msg, _ := serverConn.Recv()
		recvDone <- msg
	}()

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case msg := <-recvDone:
		if _, ok := msg.(wire.Stop); !ok {
			t.Errorf("expected wire.Stop, got %T", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received Stop")
	}
}
