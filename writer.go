package chatwire

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/fenholt/chatwire/packet"
)

var ErrWriterClosed = errors.New("connection writer is closed")

// Writer owns the outbound half of a connection. Send calls from any
// goroutine are serialized under one lock so packet bytes never interleave,
// and every packet is flushed before Send returns, nothing fully formed is
// withheld from the peer.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closed bool
}

// NewWriter wraps w, typically the connection itself. It tolerates a nil w
// so a handler that failed construction can still close its writer safely.
func NewWriter(w io.Writer) *Writer {
	nw := &Writer{}
	if w != nil {
		nw.bw = bufio.NewWriter(w)
	}
	return nw
}

// Send serializes p as one newline-framed record, writes it and flushes.
func (w *Writer) Send(p packet.Packet) error {
	b, err := packet.Marshal(p)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.bw == nil {
		return ErrWriterClosed
	}

	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}

	return w.bw.Flush()
}

// Close flushes any buffered bytes and detaches from the underlying stream.
// Closing the stream itself belongs to the connection owner. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}
