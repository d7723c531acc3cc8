package logwriter

import "fmt"

// SinkWriteError reports a batch that a sink failed to persist
type SinkWriteError struct {
	Sink    string
	Rows    int
	Attempt int
	Err     error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s: write %d rows (attempt %d): %v", e.Sink, e.Rows, e.Attempt, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
