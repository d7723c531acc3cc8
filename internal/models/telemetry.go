package models

import (
	"strconv"
	"time"
)

// Vec3 is a fixed three-component vector. Decoded vectors are always exactly
// three long; short sources are zero-padded and long ones truncated.
type Vec3 [3]float64

// Encoders holds the wheel encoder readings
type Encoders struct {
	LeftTicks    int64   `json:"left_ticks"`
	RightTicks   int64   `json:"right_ticks"`
	LeftDegrees  float64 `json:"left_degrees"`
	RightDegrees float64 `json:"right_degrees"`
}

// IMU holds the inertial sensor readings
type IMU struct {
	Acceleration    Vec3 `json:"acceleration"`     // g
	AngularVelocity Vec3 `json:"angular_velocity"` // °/s
	Euler           Vec3 `json:"euler"`            // pitch, roll, yaw in degrees
}

// Pitch returns the first Euler angle
func (i IMU) Pitch() float64 { return i.Euler[0] }

// Roll returns the second Euler angle
func (i IMU) Roll() float64 { return i.Euler[1] }

// Yaw returns the third Euler angle
func (i IMU) Yaw() float64 { return i.Euler[2] }

// Battery holds the pack voltage and charge estimate
type Battery struct {
	Voltage float64 `json:"voltage"`
	Percent int64   `json:"percent"`
}

// Vision holds the AprilTag pose reported by the camera coprocessor
type Vision struct {
	TagID    int64   `json:"tag_id"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	Position Vec3    `json:"position"`
}

// Actions carries pickup/drop event values. A field is nil when the packet
// did not contain the key.
type Actions struct {
	Pickup *string `json:"pickup,omitempty"`
	Drop   *string `json:"drop,omitempty"`
}

// TelemetryRecord is one fully decoded telemetry packet. Every numeric field
// is populated (defaulted to zero when the source omitted it) and the record
// is treated as immutable once it leaves the decoder.
type TelemetryRecord struct {
	Encoders Encoders `json:"encoders"`
	IMU      IMU      `json:"imu"`
	Battery  Battery  `json:"battery"`
	Vision   Vision   `json:"vision"`
	Actions  *Actions `json:"actions,omitempty"`
}

// ConnectionState is the lifecycle state of the serial link
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// TimestampLayout is the wall-clock format used in the durable log
const TimestampLayout = "2006-01-02 15:04:05"

// LogRowWidth is the number of columns in a flattened log row
const LogRowWidth = 23

// LogHeader names the log columns in row order
var LogHeader = [LogRowWidth]string{
	"Timestamp",
	"Left", "Right", "Left_deg", "Right_deg",
	"Accel_X", "Accel_Y", "Accel_Z",
	"Gyro_X", "Gyro_Y", "Gyro_Z",
	"Pitch", "Roll", "Yaw",
	"Battery_V", "Battery_Percent",
	"ESP_Tag_ID", "ESP_Yaw", "ESP_Pitch", "ESP_Roll",
	"ESP_X", "ESP_Y", "ESP_Z",
}

// LogRow is a flattened telemetry record. Column 0 is the timestamp string,
// integer columns hold int64 and the rest hold float64.
type LogRow [LogRowWidth]any

// FlattenRecord converts a record into a log row stamped with ts
func FlattenRecord(rec TelemetryRecord, ts time.Time) LogRow {
	return LogRow{
		ts.Format(TimestampLayout),
		rec.Encoders.LeftTicks, rec.Encoders.RightTicks,
		rec.Encoders.LeftDegrees, rec.Encoders.RightDegrees,
		rec.IMU.Acceleration[0], rec.IMU.Acceleration[1], rec.IMU.Acceleration[2],
		rec.IMU.AngularVelocity[0], rec.IMU.AngularVelocity[1], rec.IMU.AngularVelocity[2],
		rec.IMU.Euler[0], rec.IMU.Euler[1], rec.IMU.Euler[2],
		rec.Battery.Voltage, rec.Battery.Percent,
		rec.Vision.TagID,
		rec.Vision.Yaw, rec.Vision.Pitch, rec.Vision.Roll,
		rec.Vision.Position[0], rec.Vision.Position[1], rec.Vision.Position[2],
	}
}

// Timestamp returns the row's timestamp column
func (r LogRow) Timestamp() string {
	s, _ := r[0].(string)
	return s
}

// Strings renders every column as text for tabular sinks
func (r LogRow) Strings() []string {
	out := make([]string, LogRowWidth)
	for i, v := range r {
		switch x := v.(type) {
		case string:
			out[i] = x
		case int64:
			out[i] = strconv.FormatInt(x, 10)
		case float64:
			out[i] = strconv.FormatFloat(x, 'f', -1, 64)
		case nil:
			out[i] = ""
		default:
			out[i] = "0"
		}
	}
	return out
}

// LogEntry is a stored log row as read back from the database
type LogEntry struct {
	ID        int64           `json:"id"`
	Session   string          `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
	Record    TelemetryRecord `json:"record"`
}

// LogQuery represents query parameters for telemetry log searches
type LogQuery struct {
	Session   string
	StartTime time.Time
	EndTime   time.Time
	MinTagID  int64
	Limit     int
	Offset    int
}

// LogSummary provides aggregated statistics over the stored log
type LogSummary struct {
	Session        string  `json:"session"`
	TotalRecords   int     `json:"total_records"`
	AvgVoltage     float64 `json:"avg_voltage"`
	MinPercent     int     `json:"min_percent"`
	MaxPercent     int     `json:"max_percent"`
	DistinctTags   int     `json:"distinct_tags"`
	LeftTickSpan   int64   `json:"left_tick_span"`
	RightTickSpan  int64   `json:"right_tick_span"`
	FirstTimestamp string  `json:"first_timestamp"`
	LastTimestamp  string  `json:"last_timestamp"`
}
