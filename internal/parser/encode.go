package parser

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"autobot-telemetry/internal/models"
)

type wireEncoders struct {
	L        int64   `json:"L"`
	R        int64   `json:"R"`
	LeftDeg  float64 `json:"left_deg"`
	RightDeg float64 `json:"right_deg"`
}

type wireIMU struct {
	Acc   models.Vec3 `json:"acc"`
	Gyro  models.Vec3 `json:"gyro"`
	Euler models.Vec3 `json:"euler"`
}

type wireBattery struct {
	Voltage float64 `json:"voltage"`
	Percent int64   `json:"percent"`
}

type wireESP struct {
	Tag   int64       `json:"tag"`
	Yaw   float64     `json:"yaw"`
	Pitch float64     `json:"pitch"`
	Roll  float64     `json:"roll"`
	Pos   models.Vec3 `json:"pos"`
}

type wirePacket struct {
	Enc     wireEncoders `json:"enc"`
	IMU     wireIMU      `json:"imu"`
	Battery wireBattery  `json:"battery"`
	ESP     wireESP      `json:"esp"`
	Pickup  *string      `json:"pickup,omitempty"`
	Drop    *string      `json:"drop,omitempty"`
}

// Encode renders a record in the microcontroller's wire format, without the
// trailing newline
func Encode(rec models.TelemetryRecord) ([]byte, error) {
	p := wirePacket{
		Enc: wireEncoders{
			L:        rec.Encoders.LeftTicks,
			R:        rec.Encoders.RightTicks,
			LeftDeg:  rec.Encoders.LeftDegrees,
			RightDeg: rec.Encoders.RightDegrees,
		},
		IMU: wireIMU{
			Acc:   rec.IMU.Acceleration,
			Gyro:  rec.IMU.AngularVelocity,
			Euler: rec.IMU.Euler,
		},
		Battery: wireBattery{Voltage: rec.Battery.Voltage, Percent: rec.Battery.Percent},
		ESP: wireESP{
			Tag:   rec.Vision.TagID,
			Yaw:   rec.Vision.Yaw,
			Pitch: rec.Vision.Pitch,
			Roll:  rec.Vision.Roll,
			Pos:   rec.Vision.Position,
		},
	}
	if rec.Actions != nil {
		p.Pickup = rec.Actions.Pickup
		p.Drop = rec.Actions.Drop
	}
	return json.Marshal(p)
}

// ParseTimestamp tries multiple timestamp formats
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		models.TimestampLayout,
		"2006/01/02 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, time.Local); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0), nil
	}

	return time.Time{}, &time.ParseError{Layout: models.TimestampLayout, Value: s, Message: ": unable to parse timestamp"}
}
