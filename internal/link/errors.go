package link

import (
	"errors"
	"fmt"
)

// ErrLoopActive is returned by Connect when the read loop of a previous
// session has not exited yet
var ErrLoopActive = errors.New("link: previous read loop still running")

// ErrPortClosed is returned by ports read after Close
var ErrPortClosed = errors.New("link: port closed")

// LinkOpenError reports a failed connect attempt. It is fatal to that
// attempt only.
type LinkOpenError struct {
	Port string
	Baud int
	Err  error
}

func (e *LinkOpenError) Error() string {
	return fmt.Sprintf("open %s @ %d: %v", e.Port, e.Baud, e.Err)
}

func (e *LinkOpenError) Unwrap() error { return e.Err }

// LinkIOError reports an I/O failure during a session. The link is closed
// and the manager returns to Disconnected.
type LinkIOError struct {
	Port string
	Err  error
}

func (e *LinkIOError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Port, e.Err)
}

func (e *LinkIOError) Unwrap() error { return e.Err }
