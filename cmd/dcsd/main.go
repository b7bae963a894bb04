// Command dcsd runs a closed-loop temperature control demo: a simulated
// temperature sensor, a rate-limited heater, and a PID control function on a
// 50Hz loop, with the ops API and metrics reporting enabled.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/dcs"
	"github.com/seantiz/dcs/module"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to an HCL config file")
		setpoint   = flag.Float64("setpoint", 25.0, "target temperature in celsius")
		frequency  = flag.Float64("frequency", 50, "control loop frequency in Hz")
		duration   = flag.Duration("duration", 30*time.Second, "run time; 0 runs until interrupted")
	)
	flag.Parse()

	cfg := dcs.LoadConfig()
	if *configPath != "" {
		file, err := loadDemoConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if cfg, err = file.apply(cfg); err != nil {
			log.Fatalf("apply config: %v", err)
		}
		if file.Setpoint != 0 {
			*setpoint = file.Setpoint
		}
		if file.Frequency > 0 {
			*frequency = file.Frequency
		}
		if file.Duration != "" {
			d, err := time.ParseDuration(file.Duration)
			if err != nil {
				log.Fatalf("config duration: %v", err)
			}
			*duration = d
		}
	}

	logger := dcs.NewLogger(os.Stdout, cfg.LogLevel)
	system := dcs.NewWithLogger(cfg, logger)
	defer system.Close()

	// The heater is registered through the link-time builtin table; the
	// sensor is constructed directly because the simulation couples it to
	// the heater's applied output.
	if err := system.LoadBuiltinModule("heater"); err != nil {
		log.Fatalf("load heater: %v", err)
	}
	heater, ok := system.GetModule("heater")
	if !ok {
		log.Fatal("heater not registered")
	}
	actuator, ok := heater.(module.Actuator)
	if !ok {
		log.Fatal("heater is not an actuator")
	}

	sensor := newTemperatureSensor(actuator.Output)
	if err := system.RegisterModule(sensor); err != nil {
		log.Fatalf("register sensor: %v", err)
	}
	if err := sensor.Initialize(); err != nil {
		log.Fatalf("initialize sensor: %v", err)
	}
	if sensor.NeedsCalibration() {
		if err := sensor.Calibrate(); err != nil {
			log.Fatalf("calibrate sensor: %v", err)
		}
	}

	if err := system.CreateControlLoop("temperature", *frequency); err != nil {
		log.Fatalf("create loop: %v", err)
	}
	if err := system.AddSensorToLoop("temperature", "temperature"); err != nil {
		log.Fatalf("bind sensor: %v", err)
	}
	if err := system.AddActuatorToLoop("temperature", "heater"); err != nil {
		log.Fatalf("bind heater: %v", err)
	}

	controller := newPID(2.0, 0.5, 0.1, 0, 100)
	var (
		mu       sync.Mutex
		lastTick time.Time
	)
	err := system.SetControlFunction("temperature", func(readings []module.SensorData) ([]module.ActuatorCommand, error) {
		mu.Lock()
		now := time.Now()
		dt := 0.0
		if !lastTick.IsZero() {
			dt = now.Sub(lastTick).Seconds()
		}
		lastTick = now

		out := controller.Calculate(*setpoint, readings[0].Value, dt)
		mu.Unlock()

		return []module.ActuatorCommand{
			{Target: "heater", Value: out, Unit: module.UnitPercent},
		}, nil
	})
	if err != nil {
		log.Fatalf("set control function: %v", err)
	}

	system.SetMetricsCallback(func(m dcs.SystemMetrics) {
		logger.Info("metrics",
			"cpu_percent", m.CPUPercent,
			"memory_bytes", m.MemoryBytes,
			"avg_latency", m.AvgLatency,
			"uptime", m.Uptime,
		)
	})
	system.SetErrorCallback(func(source string, err error) {
		logger.Error("runtime failure", "source", source, "error", err)
	})

	logger.Info("starting temperature control",
		"setpoint_celsius", *setpoint,
		"frequency_hz", *frequency,
		"duration", *duration,
	)
	if err := system.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timerCh <-chan time.Time
	if *duration > 0 {
		timerCh = time.After(*duration)
	}
	select {
	case sig := <-sigCh:
		logger.Info("signal received", "signal", sig.String())
	case <-timerCh:
		logger.Info("run time elapsed")
	}

	if err := system.Stop(); err != nil {
		logger.Error("stop", "error", err)
		os.Exit(1)
	}

	final := system.GetMetrics()
	logger.Info("final metrics",
		"uptime", final.Uptime,
		"avg_latency", final.AvgLatency,
		"max_latency", final.MaxLatency,
		"total_messages", final.TotalMessages,
		"dropped_messages", final.DroppedMessages,
	)
	logger.Info("final heater power", "percent", actuator.Output())
}
