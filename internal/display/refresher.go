package display

import (
	"sync"
	"sync/atomic"
	"time"

	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/queue"
)

// DefaultHistoryLength is the number of yaw samples kept for charting
const DefaultHistoryLength = 90

// DefaultInterval is the refresh cadence
const DefaultInterval = 50 * time.Millisecond

// NoSignal is shown for pickup/drop before any value is known
const NoSignal = "-"

// StateSource reports the link state
type StateSource interface {
	State() models.ConnectionState
}

// BatteryObserver receives each newly computed battery percentage
type BatteryObserver interface {
	ObserveBattery(percent int64)
}

// Snapshot is the display-ready view published after each tick
type Snapshot struct {
	Connection models.ConnectionState `json:"connection"`
	HasData    bool                   `json:"has_data"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Ticks      uint64                 `json:"ticks"`

	Encoders models.Encoders `json:"encoders"`
	Accel    models.Vec3     `json:"accel"`
	Gyro     models.Vec3     `json:"gyro"`
	Pitch    float64         `json:"pitch"`
	Roll     float64         `json:"roll"`
	Yaw      float64         `json:"yaw"`

	YawHistory []float64 `json:"yaw_history"`

	BatteryVoltage float64 `json:"battery_voltage"`
	BatteryPercent int64   `json:"battery_percent"`
	BatteryTier    Tier    `json:"battery_tier"`

	Vision models.Vision `json:"vision"`

	Pickup string `json:"pickup"`
	Drop   string `json:"drop"`

	// Dropped counts records discarded because a newer one arrived in the
	// same tick
	Dropped uint64 `json:"dropped"`
}

// Refresher converts the newest queued record into display values. Tick is
// driven by an external scheduler; the yaw history is only touched from
// Tick and needs no locking.
type Refresher struct {
	queue   *queue.Ring[models.TelemetryRecord]
	state   StateSource
	battery BatteryObserver
	now     func() time.Time

	history *History
	current Snapshot
	ticks   uint64
	dropped uint64

	// pickup/drop are also written by the mirror poller
	signalMu sync.Mutex
	pickup   string
	drop     string

	published atomic.Pointer[Snapshot]
}

// NewRefresher creates a refresher draining q
func NewRefresher(q *queue.Ring[models.TelemetryRecord], state StateSource, historyLen int) *Refresher {
	if historyLen <= 0 {
		historyLen = DefaultHistoryLength
	}
	r := &Refresher{
		queue:   q,
		state:   state,
		now:     time.Now,
		history: NewHistory(historyLen),
		pickup:  NoSignal,
		drop:    NoSignal,
	}
	r.current.Pickup = NoSignal
	r.current.Drop = NoSignal
	snap := r.current
	r.published.Store(&snap)
	return r
}

// SetBatteryObserver installs the outward battery mirror
func (r *Refresher) SetBatteryObserver(o BatteryObserver) {
	r.battery = o
}

// SetPickup updates the pickup signal shown on the next tick
func (r *Refresher) SetPickup(v string) {
	r.signalMu.Lock()
	r.pickup = v
	r.signalMu.Unlock()
}

// SetDrop updates the drop signal shown on the next tick
func (r *Refresher) SetDrop(v string) {
	r.signalMu.Lock()
	r.drop = v
	r.signalMu.Unlock()
}

// Tick drains the display queue, keeps only the newest record and
// publishes a new snapshot. With an empty queue only the connection state
// and signals are refreshed. It reports whether telemetry values changed.
func (r *Refresher) Tick() bool {
	r.ticks++
	rec, n, ok := r.queue.DrainLatest()

	if ok {
		r.dropped += uint64(n - 1)
		r.apply(rec)
	}

	if r.state != nil {
		r.current.Connection = r.state.State()
	}
	r.signalMu.Lock()
	r.current.Pickup = r.pickup
	r.current.Drop = r.drop
	r.signalMu.Unlock()
	r.current.Ticks = r.ticks
	r.current.Dropped = r.dropped

	snap := r.current
	snap.YawHistory = r.history.Values()
	r.published.Store(&snap)

	if ok && r.battery != nil {
		r.battery.ObserveBattery(rec.Battery.Percent)
	}
	return ok
}

func (r *Refresher) apply(rec models.TelemetryRecord) {
	c := &r.current
	c.HasData = true
	c.UpdatedAt = r.now()
	c.Encoders = rec.Encoders
	c.Accel = rec.IMU.Acceleration
	c.Gyro = rec.IMU.AngularVelocity
	c.Pitch = rec.IMU.Pitch()
	c.Roll = rec.IMU.Roll()
	c.Yaw = WrapYaw(rec.IMU.Yaw())
	r.history.Add(c.Yaw)

	c.BatteryVoltage = rec.Battery.Voltage
	c.BatteryPercent = rec.Battery.Percent
	c.BatteryTier = SeverityTier(rec.Battery.Percent)
	c.Vision = rec.Vision

	if rec.Actions != nil {
		r.signalMu.Lock()
		if rec.Actions.Pickup != nil {
			r.pickup = *rec.Actions.Pickup
		}
		if rec.Actions.Drop != nil {
			r.drop = *rec.Actions.Drop
		}
		r.signalMu.Unlock()
	}
}

// Snapshot returns the most recently published snapshot. Safe to call from
// any goroutine.
func (r *Refresher) Snapshot() Snapshot {
	return *r.published.Load()
}
