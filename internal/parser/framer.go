package parser

import (
	"bytes"
	"strings"
)

// DefaultMaxPending bounds how many bytes the framer holds while waiting for
// a newline.
const DefaultMaxPending = 64 * 1024

// Framer reassembles newline-delimited packets from arbitrarily chunked
// input. Bytes after the last newline stay buffered until the next Write.
// A Framer is not safe for concurrent use and is not restartable: create a
// new one for each link session.
type Framer struct {
	buf        []byte
	maxPending int
	overflows  uint64
	// discarding drops input up to the next newline after an overflow
	discarding bool
}

// NewFramer creates a framer with the default pending limit
func NewFramer() *Framer {
	return &Framer{maxPending: DefaultMaxPending}
}

// SetMaxPending changes the pending byte limit. n <= 0 disables the limit.
func (f *Framer) SetMaxPending(n int) {
	f.maxPending = n
}

// Write appends a chunk to the accumulator. It never fails.
func (f *Framer) Write(chunk []byte) (int, error) {
	n := len(chunk)
	if f.discarding {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return n, nil
		}
		chunk = chunk[idx+1:]
		f.discarding = false
	}

	f.buf = append(f.buf, chunk...)
	if f.maxPending > 0 && len(f.buf) > f.maxPending && bytes.IndexByte(f.buf, '\n') < 0 {
		// No delimiter in sight; the partial line is unrecoverable, and so
		// is the rest of it when its newline finally arrives.
		f.buf = f.buf[:0]
		f.overflows++
		f.discarding = true
	}
	return n, nil
}

// Next pops the next complete, non-empty packet
func (f *Framer) Next() (string, bool) {
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			return "", false
		}
		line := f.buf[:idx]
		rest := f.buf[idx+1:]

		packet := strings.TrimSpace(strings.ToValidUTF8(string(line), "�"))

		// Shift the remainder down so the backing array does not grow forever.
		n := copy(f.buf, rest)
		f.buf = f.buf[:n]

		if packet == "" {
			continue
		}
		return packet, true
	}
}

// Feed writes chunk and emits every packet it completes, in order
func (f *Framer) Feed(chunk []byte, emit func(string)) int {
	f.Write(chunk)
	count := 0
	for {
		packet, ok := f.Next()
		if !ok {
			return count
		}
		emit(packet)
		count++
	}
}

// Pending returns the number of buffered bytes not yet terminated by a newline
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many times a partial line was discarded for
// exceeding the pending limit
func (f *Framer) Overflows() uint64 {
	return f.overflows
}
