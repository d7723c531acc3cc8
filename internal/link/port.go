package link

import (
	"time"

	"go.bug.st/serial"
)

// Port is the byte source owned by the manager. Read must be poll-style:
// it returns whatever is available now, possibly zero bytes with a nil
// error, and never parks for long.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

// Opener opens a named port at a baud rate
type Opener interface {
	Open(name string, baud int) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(name string, baud int) (Port, error)

// Open calls f(name, baud)
func (f OpenerFunc) Open(name string, baud int) (Port, error) {
	return f(name, baud)
}

// DefaultReadTimeout bounds how long a serial read waits for data
const DefaultReadTimeout = 10 * time.Millisecond

// SerialOpener opens physical serial ports with 8N1 framing
type SerialOpener struct {
	ReadTimeout time.Duration
}

// Open opens the serial device and switches it to short-timeout reads
func (o SerialOpener) Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}
