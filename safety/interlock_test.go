package safety_test

import (
	"errors"
	"testing"
	"time"

	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/safety"
)

var heaterLimits = module.Limits{Min: 0, Max: 100, MaxRate: 10}

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		ok    bool
	}{
		{"in range", 50, true},
		{"at min", 0, true},
		{"at max", 100, true},
		{"below min", -0.1, false},
		{"above max", 100.1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd := module.ActuatorCommand{Target: "heater", Value: c.value}
			err := safety.ValidateCommand(cmd, heaterLimits)
			if c.ok && err != nil {
				t.Errorf("ValidateCommand(%g) = %v, want nil", c.value, err)
			}
			if !c.ok {
				var verr *safety.ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("ValidateCommand(%g) = %v, want *ValidationError", c.value, err)
				}
			}
		})
	}
}

func TestRouteSlewLimitsLargeSteps(t *testing.T) {
	il := safety.NewInterlock()
	cmd := module.ActuatorCommand{Target: "heater", Value: 100}

	// Requested jump 0 -> 100 with maxRate 10/s over 20ms: permitted step
	// is exactly 0.2.
	out, err := il.Route(cmd, heaterLimits, 0, 0, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got, want := out.Value, 0.2; got != want {
		t.Errorf("applied value = %g, want %g", got, want)
	}

	// Downward moves are limited symmetrically.
	cmd.Value = 0
	out, err = il.Route(cmd, heaterLimits, 50, 0, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got, want := out.Value, 49.0; got != want {
		t.Errorf("applied value = %g, want %g", got, want)
	}
}

func TestRouteWithinStepReachesTargetExactly(t *testing.T) {
	il := safety.NewInterlock()
	cmd := module.ActuatorCommand{Target: "heater", Value: 50.05}

	out, err := il.Route(cmd, heaterLimits, 50, 0, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got, want := out.Value, 50.05; got != want {
		t.Errorf("applied value = %g, want target %g with no overshoot", got, want)
	}
}

func TestRouteClimbNeverOvershoots(t *testing.T) {
	il := safety.NewInterlock()
	dt := 20 * time.Millisecond
	step := heaterLimits.MaxRate * dt.Seconds()

	current := 0.0
	for i := 0; i < 600; i++ {
		out, err := il.Route(module.ActuatorCommand{Target: "heater", Value: 100}, heaterLimits, current, 0, dt)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if out.Value > 100 {
			t.Fatalf("tick %d: output %g overshot target", i, out.Value)
		}
		if out.Value-current > step+1e-9 {
			t.Fatalf("tick %d: step %g exceeds permitted %g", i, out.Value-current, step)
		}
		current = out.Value
	}
	if current != 100 {
		t.Errorf("output after sustained climb = %g, want 100", current)
	}
}

func TestRouteRejectsOutOfRange(t *testing.T) {
	il := safety.NewInterlock()

	_, err := il.Route(module.ActuatorCommand{Target: "heater", Value: 150}, heaterLimits, 0, 0, time.Millisecond)
	var verr *safety.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Route out-of-range = %v, want *ValidationError", err)
	}
	if verr.Target != "heater" || verr.Value != 150 {
		t.Errorf("ValidationError = %+v, want heater/150", verr)
	}
}

func TestEmergencyStopForcesSafeValue(t *testing.T) {
	il := safety.NewInterlock()
	il.SetEmergencyStop(true)

	cmd := module.ActuatorCommand{Target: "heater", Value: 80}
	if il.IsSafeToExecute(cmd, heaterLimits) {
		t.Error("IsSafeToExecute = true under emergency stop, want false")
	}

	// Every routed command yields the safe value, with no slew ramp.
	for i := 0; i < 3; i++ {
		out, err := il.Route(cmd, heaterLimits, 80, 0, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Route under estop: %v", err)
		}
		if out.Value != 0 {
			t.Errorf("routed value under estop = %g, want 0", out.Value)
		}
	}

	il.SetEmergencyStop(false)
	if !il.IsSafeToExecute(cmd, heaterLimits) {
		t.Error("IsSafeToExecute = false after estop cleared, want true")
	}
}

func TestRouteUnlimitedRate(t *testing.T) {
	il := safety.NewInterlock()
	limits := module.Limits{Min: 0, Max: 100}

	out, err := il.Route(module.ActuatorCommand{Target: "valve", Value: 100}, limits, 0, 0, time.Millisecond)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if out.Value != 100 {
		t.Errorf("value with MaxRate 0 = %g, want direct jump to 100", out.Value)
	}
}
