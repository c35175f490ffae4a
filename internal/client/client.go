// Package client implements the driver side of an evaluation: it sends a
// DAG to an executor connection, answers file requests, feeds status
// updates to a caller-supplied callback, and fires the DAG's own
// registered callbacks as the executor reports progress.
package client

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gradedag/internal/dag"
	"gradedag/internal/wire"
)

// statusPollInterval mirrors the rate a client asks the executor for a
// running-work snapshot.
const statusPollInterval = time.Second

// Client drives one DAG evaluation over a single connection to an
// executor.
type Client struct {
	Conn *wire.Conn
}

// Evaluate sends d for evaluation and blocks until the executor reports
// it done (or a fatal error arrives). statusCallback, if non-nil, is
// invoked with every Status snapshot the executor sends while the poller
// is running.
func (c *Client) Evaluate(d *dag.ExecutionDAG, statusCallback func(wire.Status) error) error {
	wantFiles := wantedFiles(d)

	if err := c.Conn.Send(wire.Evaluate{DAG: d, WantFiles: wantFiles}); err != nil {
		return fmt.Errorf("client: send evaluate: %w", err)
	}

	// fileMode guards the connection against interleaving a ProvideFile
	// reply with a concurrent status poll, same as the single lock the
	// reference client takes around both paths.
	var fileMode sync.Mutex
	done := make(chan struct{})
	pollErr := make(chan error, 1)
	go c.pollStatus(&fileMode, done, pollErr)

	err := c.readLoop(d, &fileMode, statusCallback)
	close(done)
	if perr := <-pollErr; perr != nil && err == nil {
		err = perr
	}
	return err
}

// Stop asks the executor to abandon the in-flight evaluation: it stops
// dispatching new work and returns once whatever's already running on a
// worker finishes. Evaluate's read loop then sees the connection close
// and returns nil, the same as a clean Done.
func (c *Client) Stop() error {
	return c.Conn.Send(wire.Stop{})
}

func (c *Client) pollStatus(fileMode *sync.Mutex, done <-chan struct{}, errs chan<- error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			errs <- nil
			return
		case <-ticker.C:
			fileMode.Lock()
			err := c.Conn.Send(wire.StatusRequest{})
			fileMode.Unlock()
			if err != nil {
				errs <- nil // the connection is gone; the read loop will surface the real error
				return
			}
		}
	}
}

func (c *Client) readLoop(d *dag.ExecutionDAG, fileMode *sync.Mutex, statusCallback func(wire.Status) error) error {
	// pendingFiles counts outstanding AskFile pulls sent after Done; -1
	// means Done hasn't arrived yet, so the evaluation is still running.
	pendingFiles := -1
	for {
		msg, err := c.Conn.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("client: recv: %w", err)
		}

		switch m := msg.(type) {
		case wire.AskFile:
			if err := c.provideFile(d, m.File, fileMode); err != nil {
				return err
			}
		case wire.ProvideFile:
			deliverFile(d, m.File, m.Data, m.Success)
			if pendingFiles > 0 {
				pendingFiles--
				if pendingFiles == 0 {
					return nil
				}
			}
		case wire.NotifyStart:
			if cbs := d.ExecutionCallbacksFor(m.Execution); cbs != nil {
				for _, f := range cbs.OnStart {
					_ = f(m.Worker)
				}
			}
		case wire.NotifyDone:
			if cbs := d.ExecutionCallbacksFor(m.Execution); cbs != nil {
				for _, f := range cbs.OnDone {
					_ = f(m.Result)
				}
			}
		case wire.NotifySkip:
			if cbs := d.ExecutionCallbacksFor(m.Execution); cbs != nil {
				for _, f := range cbs.OnSkip {
					_ = f()
				}
			}
		case wire.ErrorMsg:
			return fmt.Errorf("client: executor reported error: %s", m.Message)
		case wire.Status:
			if statusCallback != nil {
				if err := statusCallback(m); err != nil {
					return err
				}
			}
		case wire.Done:
			n, err := c.askForDoneFiles(m, fileMode)
			if err != nil {
				return err
			}
			pendingFiles = n
			if pendingFiles == 0 {
				return nil
			}
		default:
			return fmt.Errorf("client: unexpected message %T", msg)
		}
	}
}

// askForDoneFiles sends one AskFile pull per file Done listed — including
// ones whose producer failed, since the executor still needs to reply so
// failure callbacks can run with no data — and returns how many
// ProvideFile replies to wait for.
func (c *Client) askForDoneFiles(m wire.Done, fileMode *sync.Mutex) (int, error) {
	fileMode.Lock()
	defer fileMode.Unlock()
	for _, f := range m.Files {
		if err := c.Conn.Send(wire.AskFile{File: f.File, Key: f.Key, Success: f.Success}); err != nil {
			return 0, fmt.Errorf("client: ask file %s: %w", f.File, err)
		}
	}
	return len(m.Files), nil
}

// provideFile answers an AskFile for one of the DAG's own provided files,
// reading its bytes locally.
func (c *Client) provideFile(d *dag.ExecutionDAG, id dag.FileUuid, fileMode *sync.Mutex) error {
	fileMode.Lock()
	defer fileMode.Unlock()

	f, ok := d.ProvidedFiles[id]
	if !ok {
		return c.Conn.Send(wire.ProvideFile{File: id, Success: false})
	}
	data := f.Content
	if f.LocalPath != "" {
		var err error
		data, err = os.ReadFile(f.LocalPath)
		if err != nil {
			return c.Conn.Send(wire.ProvideFile{File: id, Success: false})
		}
	}
	return c.Conn.Send(wire.ProvideFile{File: id, Data: data, Success: true})
}

func wantedFiles(d *dag.ExecutionDAG) []dag.FileUuid {
	want := d.WantedCallbackFiles()
	out := make([]dag.FileUuid, 0, len(want))
	for id := range want {
		out = append(out, id)
	}
	return out
}

// deliverFile fires a file's registered write_to/get_content callbacks
// with bytes the executor sent in reply to its AskFile pull.
func deliverFile(d *dag.ExecutionDAG, id dag.FileUuid, data []byte, success bool) {
	cbs := d.FileCallbacksFor(id)
	if cbs == nil {
		return
	}
	for _, w := range cbs.WriteTo {
		if !success && !w.AllowFailure {
			continue
		}
		perm := os.FileMode(0644)
		if w.Executable {
			perm = 0755
		}
		if err := os.WriteFile(w.Path, data, perm); err == nil {
			_ = os.Chmod(w.Path, perm)
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
		_ = g.Handler(content, cbErr)
	}
}
