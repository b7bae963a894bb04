// Package safety gates every actuator command: range validation, first-order
// slew limiting against the actuator's declared maximum rate, and the
// system-wide emergency stop.
package safety

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/seantiz/dcs/module"
)

// ValidationError reports a command whose value falls outside the actuator's
// limits. The command is dropped; the loop keeps running.
type ValidationError struct {
	Target   string
	Value    float64
	Min, Max float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("command for %q: value %g outside [%g, %g]",
		e.Target, e.Value, e.Min, e.Max)
}

// ValidateCommand checks cmd.Value against [limits.Min, limits.Max].
func ValidateCommand(cmd module.ActuatorCommand, limits module.Limits) error {
	if cmd.Value < limits.Min || cmd.Value > limits.Max {
		return &ValidationError{
			Target: cmd.Target,
			Value:  cmd.Value,
			Min:    limits.Min,
			Max:    limits.Max,
		}
	}
	return nil
}

// Interlock holds the emergency-stop flag and applies the command gate.
// One instance exists per control system; it is an explicit field on the
// orchestrator, never a process-wide singleton.
type Interlock struct {
	estop atomic.Bool
}

// NewInterlock returns an interlock with emergency stop cleared.
func NewInterlock() *Interlock {
	return &Interlock{}
}

// SetEmergencyStop raises or clears the system-wide emergency stop.
func (i *Interlock) SetEmergencyStop(on bool) {
	i.estop.Store(on)
}

// EmergencyStopped reports the flag.
func (i *Interlock) EmergencyStopped() bool {
	return i.estop.Load()
}

// IsSafeToExecute is true iff emergency stop is clear and the command passes
// validation.
func (i *Interlock) IsSafeToExecute(cmd module.ActuatorCommand, limits module.Limits) bool {
	return !i.estop.Load() && ValidateCommand(cmd, limits) == nil
}

// Route produces the value actually dispatched to the actuator.
//
// With emergency stop raised, the result is the actuator's safe value
// immediately, regardless of the requested command. Otherwise the command is
// validated (a ValidationError drops it) and then slew-limited: the output
// moves from current by at most limits.MaxRate*dt toward the target. Slew
// limiting runs unconditionally, even for in-range commands. A MaxRate <= 0
// disables rate limiting.
func (i *Interlock) Route(cmd module.ActuatorCommand, limits module.Limits, current, safe float64, dt time.Duration) (module.ActuatorCommand, error) {
	if i.estop.Load() {
		cmd.Value = safe
		return cmd, nil
	}

	if err := ValidateCommand(cmd, limits); err != nil {
		return module.ActuatorCommand{}, err
	}

	cmd.Value = slew(current, cmd.Value, limits.MaxRate, dt)
	return cmd, nil
}

// SafeValueFor returns the output an actuator is driven to under emergency
// stop: its declared safe value when it implements SafeStater, otherwise
// zero clamped into its limits.
func SafeValueFor(a module.Actuator) float64 {
	if s, ok := a.(module.SafeStater); ok {
		return s.SafeValue()
	}
	limits := a.Limits()
	return math.Min(math.Max(0, limits.Min), limits.Max)
}

// slew moves current toward target by at most maxRate*dt.
func slew(current, target, maxRate float64, dt time.Duration) float64 {
	if maxRate <= 0 {
		return target
	}
	step := maxRate * dt.Seconds()
	delta := target - current
	if math.Abs(delta) <= step {
		return target
	}
	if delta > 0 {
		return current + step
	}
	return current - step
}
