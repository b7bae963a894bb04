package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/dcs"
	"github.com/seantiz/dcs/module"
)

func TestPIDConvergesOnFirstOrderPlant(t *testing.T) {
	controller := newPID(2.0, 0.5, 0.1, 0, 100)
	setpoint := 25.0
	temp := 20.0
	dt := 0.02

	for i := 0; i < 5000; i++ {
		out := controller.Calculate(setpoint, temp, dt)
		// Same plant model the simulated sensor uses.
		temp += out * 0.05
		temp -= (temp - 20.0) * 0.02
	}

	if math.Abs(temp-setpoint) > 0.5 {
		t.Errorf("temperature after settling = %.2f, want within 0.5 of %.2f", temp, setpoint)
	}
}

func TestPIDOutputClamped(t *testing.T) {
	controller := newPID(100, 0, 0, 0, 100)

	if out := controller.Calculate(1000, 0, 0.02); out != 100 {
		t.Errorf("large positive error output = %g, want clamped to 100", out)
	}
	if out := controller.Calculate(0, 1000, 0.02); out != 0 {
		t.Errorf("large negative error output = %g, want clamped to 0", out)
	}
}

func TestPIDAntiWindup(t *testing.T) {
	controller := newPID(0, 1.0, 0, 0, 100)

	// Saturate the integral far beyond its bound.
	for i := 0; i < 1000; i++ {
		controller.Calculate(100, 0, 1.0)
	}
	if controller.integral > controller.integralLimit {
		t.Errorf("integral = %g, want clamped to %g", controller.integral, controller.integralLimit)
	}

	controller.Reset()
	if controller.integral != 0 || controller.lastError != 0 {
		t.Error("reset did not clear accumulated state")
	}
}

func TestPIDZeroDtIsProportionalOnly(t *testing.T) {
	controller := newPID(2.0, 0.5, 0.1, 0, 100)
	if out := controller.Calculate(25, 20, 0); out != 10 {
		t.Errorf("zero-dt output = %g, want kp*error = 10", out)
	}
}

func TestSimulatedPlantHeating(t *testing.T) {
	heater := newHeaterActuator()
	if err := heater.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := heater.Start(); err != nil {
		t.Fatal(err)
	}

	sensor := newTemperatureSensor(heater.Output)
	if err := sensor.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := sensor.Start(); err != nil {
		t.Fatal(err)
	}

	first, err := sensor.Read()
	if err != nil {
		t.Fatal(err)
	}

	// Full power for a while drives the temperature upward despite noise.
	cmd := module.ActuatorCommand{Target: "heater", Value: 100, Unit: module.UnitPercent}
	if err := heater.Execute(cmd); err != nil {
		t.Fatal(err)
	}
	var last float64
	for i := 0; i < 200; i++ {
		data, err := sensor.Read()
		if err != nil {
			t.Fatal(err)
		}
		last = data.Value
	}
	if last <= first.Value {
		t.Errorf("temperature after heating = %.2f, want above initial %.2f", last, first.Value)
	}
}

func TestHCLConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hcl")
	content := `
setpoint  = 30.0
frequency = 25
duration  = "5s"

system {
  log_level          = "debug"
  watchdog_timeout   = "2s"
  message_queue_size = 500
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := loadDemoConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if file.Setpoint != 30.0 || file.Frequency != 25 || file.Duration != "5s" {
		t.Errorf("demo values = %+v", file)
	}

	cfg, err := file.apply(dcs.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s, want debug", cfg.LogLevel)
	}
	if cfg.WatchdogTimeout != 2*time.Second {
		t.Errorf("watchdog timeout = %s, want 2s", cfg.WatchdogTimeout)
	}
	if cfg.MessageQueueSize != 500 {
		t.Errorf("queue size = %d, want 500", cfg.MessageQueueSize)
	}
}

func TestHCLConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hcl")
	content := `
system {
  watchdog_timeout = "not-a-duration"
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := loadDemoConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.apply(dcs.DefaultConfig()); err == nil {
		t.Error("apply with bad duration succeeded, want error")
	}
}
