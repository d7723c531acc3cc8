package link

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ReaderPort replays an io.Reader as a port. End of input does not end the
// stream: reads keep returning zero bytes, and Done is closed so callers can
// tell the source is exhausted.
type ReaderPort struct {
	mu        sync.Mutex
	r         io.Reader
	closer    io.Closer
	chunkSize int
	done      chan struct{}
	doneOnce  sync.Once
}

// NewReaderPort wraps r. chunkSize caps each read; zero means no cap.
func NewReaderPort(r io.Reader, chunkSize int) *ReaderPort {
	p := &ReaderPort{r: r, chunkSize: chunkSize, done: make(chan struct{})}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Read returns the next chunk of input
func (p *ReaderPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.r == nil {
		return 0, ErrPortClosed
	}
	if p.chunkSize > 0 && len(b) > p.chunkSize {
		b = b[:p.chunkSize]
	}
	n, err := p.r.Read(b)
	if errors.Is(err, io.EOF) {
		// Done only fires on an empty read so every byte has been handed out
		if n == 0 {
			p.finish()
		}
		return n, nil
	}
	return n, err
}

// Done is closed once the underlying reader is exhausted or the port closed
func (p *ReaderPort) Done() <-chan struct{} {
	return p.done
}

// Close releases the underlying reader
func (p *ReaderPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.r = nil
	p.finish()
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *ReaderPort) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// FileOpener opens files as ports, treating the port name as a path
type FileOpener struct {
	ChunkSize int
	// OnOpen, when set, receives every port the opener creates
	OnOpen func(*ReaderPort)
}

// Open opens the file at name
func (o FileOpener) Open(name string, baud int) (Port, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	p := NewReaderPort(f, o.ChunkSize)
	if o.OnOpen != nil {
		o.OnOpen(p)
	}
	return p, nil
}
