package main

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/registry"
)

func init() {
	registry.RegisterBuiltin("heater", func() module.Module {
		return newHeaterActuator()
	})
}

// temperatureSensor simulates a thermal plant: ambient drift, measurement
// noise, heater coupling, and first-order cooling toward ambient.
type temperatureSensor struct {
	*module.Base

	mu          sync.Mutex
	temp        float64
	ambient     float64
	heaterPower func() float64
	reads       uint64
	calibrated  bool
	rng         *rand.Rand
}

// newTemperatureSensor creates the simulated sensor. heaterPower closes the
// simulation loop: it reports the currently applied heater output.
func newTemperatureSensor(heaterPower func() float64) *temperatureSensor {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &temperatureSensor{
		Base:        module.NewBase("temperature", "1.0.0"),
		temp:        20.0 + rng.Float64()*10,
		ambient:     20.0,
		heaterPower: heaterPower,
		rng:         rng,
	}
}

func (s *temperatureSensor) Read() (module.SensorData, error) {
	start := time.Now()
	s.mu.Lock()

	drift := 0.01 * math.Sin(float64(s.reads)*0.01)
	noise := s.rng.NormFloat64() * 0.1
	s.temp += drift + noise
	if s.heaterPower != nil {
		s.temp += s.heaterPower() * 0.05
	}
	s.temp -= (s.temp - s.ambient) * 0.02
	s.reads++

	value := s.temp
	s.mu.Unlock()

	s.RecordProcessing(time.Since(start))
	return module.NewSensorData(s.Name(), value, module.UnitCelsius), nil
}

// Calibrate simulates a calibration cycle.
func (s *temperatureSensor) Calibrate() error {
	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	s.calibrated = true
	s.reads = 0
	s.mu.Unlock()
	return nil
}

// NeedsCalibration is true before the first cycle and every 10k readings.
func (s *temperatureSensor) NeedsCalibration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.calibrated || s.reads > 10000
}

// UpdateRate advertises the sensor's preferred sampling rate.
func (s *temperatureSensor) UpdateRate() float64 { return 100 }

// heaterActuator simulates a heater with a 0-100% power envelope and a
// 10%/s slew bound enforced upstream by the interlock.
type heaterActuator struct {
	*module.Base
	powerBits atomic.Uint64
}

func newHeaterActuator() *heaterActuator {
	return &heaterActuator{Base: module.NewBase("heater", "1.0.0")}
}

func (h *heaterActuator) Limits() module.Limits {
	return module.Limits{Min: 0, Max: 100, MaxRate: 10}
}

func (h *heaterActuator) Execute(cmd module.ActuatorCommand) error {
	start := time.Now()
	h.powerBits.Store(math.Float64bits(cmd.Value))
	h.RecordProcessing(time.Since(start))
	return nil
}

// Output reports the currently applied power level.
func (h *heaterActuator) Output() float64 {
	return math.Float64frombits(h.powerBits.Load())
}

// SafeValue drives the heater fully off on emergency stop.
func (h *heaterActuator) SafeValue() float64 { return 0 }
