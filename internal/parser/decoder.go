package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"autobot-telemetry/internal/models"
)

// ErrNotObject is returned when a packet parses as JSON but is not an object
var ErrNotObject = errors.New("packet is not a JSON object")

// Decoder turns raw packets into fully defaulted telemetry records
type Decoder struct {
	// OnCoercion, when set, observes every field that fell back to its default
	OnCoercion func(*FieldCoercionError)
}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one packet with a default Decoder
func Decode(packet string) (models.TelemetryRecord, error) {
	return (&Decoder{}).Decode(packet)
}

// Decode parses one packet. Malformed text yields a *DecodeError and no
// record; well-formed objects always yield a fully populated record.
func (d *Decoder) Decode(packet string) (models.TelemetryRecord, error) {
	obj, err := parseObject(packet)
	if err != nil {
		return models.TelemetryRecord{}, &DecodeError{Packet: packet, Err: err}
	}

	c := coercer{onError: d.OnCoercion}
	var rec models.TelemetryRecord

	enc := section(obj, "enc")
	rec.Encoders = models.Encoders{
		LeftTicks:    c.int(enc, "enc.L", "L"),
		RightTicks:   c.int(enc, "enc.R", "R"),
		LeftDegrees:  c.float(enc, "enc.left_deg", "left_deg"),
		RightDegrees: c.float(enc, "enc.right_deg", "right_deg"),
	}

	imu := section(obj, "imu")
	rec.IMU = models.IMU{
		Acceleration:    c.vec3(imu, "imu.acc", "acc"),
		AngularVelocity: c.vec3(imu, "imu.gyro", "gyro"),
		Euler:           c.vec3(imu, "imu.euler", "euler"),
	}

	bat := section(obj, "battery")
	rec.Battery = models.Battery{
		Voltage: c.float(bat, "battery.voltage", "voltage"),
		Percent: c.int(bat, "battery.percent", "percent"),
	}

	esp := section(obj, "esp")
	rec.Vision = models.Vision{
		TagID:    c.int(esp, "esp.tag", "tag"),
		Yaw:      c.float(esp, "esp.yaw", "yaw"),
		Pitch:    c.float(esp, "esp.pitch", "pitch"),
		Roll:     c.float(esp, "esp.roll", "roll"),
		Position: c.vec3(esp, "esp.pos", "pos"),
	}

	rec.Actions = decodeActions(obj)
	return rec, nil
}

func parseObject(packet string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(packet)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing garbage after the first value makes the packet malformed.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func decodeActions(obj map[string]any) *models.Actions {
	pickup, hasPickup := obj["pickup"]
	drop, hasDrop := obj["drop"]
	if !hasPickup && !hasDrop {
		return nil
	}
	a := &models.Actions{}
	if hasPickup {
		s := scalarText(pickup)
		a.Pickup = &s
	}
	if hasDrop {
		s := scalarText(drop)
		a.Drop = &s
	}
	return a
}
