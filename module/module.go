// Package module defines the contract every sensor and actuator component
// obeys: identity, the lifecycle state machine, health reporting, and the
// data types exchanged with control loops.
package module

import "time"

// Unit identifies the physical unit of a sensor reading or actuator command.
type Unit int

const (
	UnitNone Unit = iota
	UnitCelsius
	UnitFahrenheit
	UnitMeters
	UnitMillimeters
	UnitRadians
	UnitDegrees
	UnitNewtons
	UnitPascals
	UnitVolts
	UnitAmperes
	UnitWatts
	UnitPercent
)

var unitNames = map[Unit]string{
	UnitNone:        "",
	UnitCelsius:     "celsius",
	UnitFahrenheit:  "fahrenheit",
	UnitMeters:      "m",
	UnitMillimeters: "mm",
	UnitRadians:     "rad",
	UnitDegrees:     "deg",
	UnitNewtons:     "N",
	UnitPascals:     "Pa",
	UnitVolts:       "V",
	UnitAmperes:     "A",
	UnitWatts:       "W",
	UnitPercent:     "%",
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return "unknown"
}

// SensorData is a single reading produced by a sensor.
type SensorData struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      Unit      `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSensorData builds a reading stamped with the current time.
func NewSensorData(name string, value float64, unit Unit) SensorData {
	return SensorData{Name: name, Value: value, Unit: unit, Timestamp: time.Now()}
}

// ActuatorCommand is a request to drive the named actuator to a value.
type ActuatorCommand struct {
	Target string  `json:"target"`
	Value  float64 `json:"value"`
	Unit   Unit    `json:"unit"`
}

// Limits declares an actuator's physical envelope. MaxRate is the maximum
// permitted output change in units per second; a MaxRate <= 0 disables
// rate limiting.
type Limits struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	MaxRate float64 `json:"max_rate"`
}

// Module is the lifecycle and health contract shared by all components.
// Implementations must be safe for concurrent use: the owning loop goroutine
// and the watchdog both call into a module.
type Module interface {
	Name() string
	Version() string
	State() State

	Initialize() error
	Start() error
	Stop() error
	Shutdown() error

	// Fail forces the module into the Error state. Used by the watchdog
	// when a module goes silent.
	Fail(err error)

	// Healthy reports whether the module is in the Running state.
	Healthy() bool

	// LastActivity is the time of the last successful read or execute,
	// consulted by the watchdog for staleness checks.
	LastActivity() time.Time

	Metrics() Metrics
}

// Sensor is a module that produces readings.
type Sensor interface {
	Module
	Read() (SensorData, error)
}

// Actuator is a module that consumes commands. Output reports the currently
// applied value, which the safety interlock uses as the slew-limiting origin.
type Actuator interface {
	Module
	Execute(cmd ActuatorCommand) error
	Limits() Limits
	Output() float64
}

// SafeStater is implemented by actuators whose safe output is not zero.
// When absent, the interlock drives the actuator to zero clamped into its
// limits on emergency stop.
type SafeStater interface {
	SafeValue() float64
}

// Calibratable is implemented by sensors that support a calibration cycle.
type Calibratable interface {
	Calibrate() error
	NeedsCalibration() bool
}

// RateHinted is implemented by sensors that advertise a preferred sampling
// rate in Hz.
type RateHinted interface {
	UpdateRate() float64
}
