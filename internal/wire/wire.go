// Package wire implements the length-implicit binary framing used for
// every Client<->Executor and Worker<->Executor connection, in-process or
// over TCP alike. Frames are gob-encoded envelopes: gob already
// self-delimits each Encode call on the wire, so no extra length prefix
// is needed, mirroring the framing this corpus uses for worker-process
// control messages (a single mutex-guarded encoder, one gob.Decode call
// per received frame) adapted here from a pipe-based single process pair
// to a general bidirectional byte channel that may also be a TCP socket.
package wire

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

func init() {
	gob.Register(Evaluate{})
	gob.Register(AskFile{})
	gob.Register(ProvideFile{})
	gob.Register(NotifyStart{})
	gob.Register(NotifyDone{})
	gob.Register(NotifySkip{})
	gob.Register(Status{})
	gob.Register(StatusRequest{})
	gob.Register(ErrorMsg{})
	gob.Register(Done{})
	gob.Register(GetWork{})
	gob.Register(Work{})
	gob.Register(NoWork{})
	gob.Register(WorkerDone{})
	gob.Register(Stop{})
}

// envelope carries one concrete message type over the wire; gob encodes
// the concrete value through the interface field and reconstructs it on
// decode as long as the type was Register'd above.
type envelope struct {
	Payload interface{}
}

// Conn is a framed, mutex-protected connection: concurrent Send calls
// from, for example, the status poller and the file-transfer path never
// interleave partial frames on the wire.
type Conn struct {
	sendMu sync.Mutex
	enc    *gob.Encoder

	recvMu sync.Mutex
	dec    *gob.Decoder
}

// NewConn wraps rw (an in-process io.Pipe pair, a net.Conn, anything
// satisfying io.ReadWriter) as a framed message channel.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

// Send encodes and writes one message, serialized against any concurrent
// Send on the same Conn.
func (c *Conn) Send(msg interface{}) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.enc.Encode(envelope{Payload: msg}); err != nil {
		return fmt.Errorf("wire: send: %w", err)
	}
	return nil
}

// Recv blocks for the next frame and returns its payload. Returns io.EOF
// (unwrapped) when the peer closes its side cleanly — callers should treat
// that as a normal shutdown, not a failure.
func (c *Conn) Recv() (interface{}, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	var env envelope
	if err := c.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: recv: %w", err)
	}
	return env.Payload, nil
}
