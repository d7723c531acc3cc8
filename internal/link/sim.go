package link

import (
	"bytes"
	"fmt"
	"sync"
)

// SimPort is an in-memory port. Bytes passed to Feed are returned by
// subsequent reads; Fail makes the next read return an error.
type SimPort struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	closed bool
	reads  int
}

// Feed queues bytes for the reader
func (p *SimPort) Feed(b []byte) {
	p.mu.Lock()
	p.buf.Write(b)
	p.mu.Unlock()
}

// Fail makes every following read return err
func (p *SimPort) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Read returns buffered bytes, or zero bytes when nothing is queued
func (p *SimPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reads++
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.err != nil {
		return 0, p.err
	}
	if p.buf.Len() == 0 {
		return 0, nil
	}
	return p.buf.Read(b)
}

// Close marks the port closed
func (p *SimPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close was called since the last open
func (p *SimPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Reads returns the number of Read calls
func (p *SimPort) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// SimOpener hands out SimPorts by name
type SimOpener struct {
	mu       sync.Mutex
	ports    map[string]*SimPort
	failures map[string]error
	opens    int
}

// NewSimOpener creates an opener with no ports
func NewSimOpener() *SimOpener {
	return &SimOpener{
		ports:    make(map[string]*SimPort),
		failures: make(map[string]error),
	}
}

// Add registers a port that opens successfully
func (o *SimOpener) Add(name string) *SimPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &SimPort{}
	o.ports[name] = p
	return p
}

// FailOpen makes opening name return err
func (o *SimOpener) FailOpen(name string, err error) {
	o.mu.Lock()
	o.failures[name] = err
	o.mu.Unlock()
}

// Opens returns the number of successful opens
func (o *SimOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Open returns the registered port, reopening it if it was closed
func (o *SimOpener) Open(name string, baud int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err, ok := o.failures[name]; ok {
		return nil, err
	}
	p, ok := o.ports[name]
	if !ok {
		return nil, fmt.Errorf("no such port %q", name)
	}
	p.mu.Lock()
	p.closed = false
	p.err = nil
	p.mu.Unlock()
	o.opens++
	return p, nil
}
