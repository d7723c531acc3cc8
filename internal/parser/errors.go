package parser

import "fmt"

// DecodeError reports a packet that is not a well-formed telemetry object.
// The packet is dropped; the pipeline continues with the next one.
type DecodeError struct {
	Packet string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode packet %q: %v", truncate(e.Packet, 64), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FieldCoercionError reports a single field that could not be converted to
// its numeric type. The field is defaulted and the record is kept.
type FieldCoercionError struct {
	Field string
	Value any
}

func (e *FieldCoercionError) Error() string {
	return fmt.Sprintf("field %s: cannot coerce %v (%T)", e.Field, e.Value, e.Value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
