package ssh

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/openfroyo/sshlink/pkg/transports/waiter"
)

const (
	chunkSize = 32 * 1024

	// maxBuffered is how much unread data a stream holds before its pump
	// stops reading, which leaves the SSH window closed until readers
	// catch up.
	maxBuffered = 4 * 1024 * 1024
)

// stream buffers one inbound data stream of a channel. A pump goroutine
// fills it; readers drain it through the waiter.
type stream struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	max        int
	eof        bool
	err        error
	discarding bool

	// limit caps how many more bytes readers may take; -1 means no cap.
	limit int64

	readable waiter.Signal
	space    waiter.Signal
}

func newStream() *stream {
	return &stream{limit: -1, max: maxBuffered}
}

// pump copies r into the buffer until r fails, then calls onEOF. It stops
// reading while the buffer is full.
func (st *stream) pump(r io.Reader, onEOF func()) {
	buf := make([]byte, chunkSize)
	for {
		st.waitSpace()
		n, err := r.Read(buf)
		if n > 0 {
			st.mu.Lock()
			if !st.discarding {
				st.buf.Write(buf[:n])
			}
			st.mu.Unlock()
			st.readable.Broadcast()
		}
		if err != nil {
			st.mu.Lock()
			st.eof = true
			if !errors.Is(err, io.EOF) {
				st.err = err
			}
			st.mu.Unlock()
			if onEOF != nil {
				onEOF()
			}
			st.readable.Broadcast()
			return
		}
	}
}

func (st *stream) waitSpace() {
	for {
		wake := st.space.C()
		st.mu.Lock()
		full := !st.discarding && st.buf.Len() >= st.max
		st.mu.Unlock()
		if !full {
			return
		}
		<-wake
	}
}

// discard drops buffered data and makes the pump drop everything it reads
// from now on, so a closing channel can drain to its end.
func (st *stream) discard() {
	st.mu.Lock()
	st.discarding = true
	st.buf.Reset()
	st.mu.Unlock()
	st.space.Broadcast()
	st.readable.Broadcast()
}

// take removes up to max bytes (max <= 0 means everything buffered). It
// reports end of stream once the buffer is drained and the pump has
// finished, or once the limit is exhausted.
func (st *stream) take(max int) ([]byte, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.limit == 0 {
		return nil, true, nil
	}

	n := st.buf.Len()
	if max > 0 && n > max {
		n = max
	}
	if st.limit > 0 && int64(n) > st.limit {
		n = int(st.limit)
	}

	var data []byte
	if n > 0 {
		data = make([]byte, n)
		_, _ = st.buf.Read(data)
		if st.limit > 0 {
			st.limit -= int64(n)
		}
		st.space.Broadcast()
	}

	done := st.limit == 0 || (st.eof && st.buf.Len() == 0)
	if done && st.limit != 0 {
		return data, true, st.err
	}
	return data, done, nil
}

// takeLine removes one line including its '\n' terminator, ignoring the limit.
func (st *stream) takeLine() ([]byte, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if i := bytes.IndexByte(st.buf.Bytes(), '\n'); i >= 0 {
		line := make([]byte, i+1)
		_, _ = st.buf.Read(line)
		st.space.Broadcast()
		return line, false, nil
	}
	if st.eof {
		return nil, true, st.err
	}
	return nil, false, nil
}

func (st *stream) setLimit(n int64) {
	st.mu.Lock()
	st.limit = n
	st.mu.Unlock()
	st.readable.Broadcast()
}

func (st *stream) remaining() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.limit
}
