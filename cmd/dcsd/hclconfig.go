package main

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/seantiz/dcs"
)

// demoConfig is the decoded shape of a dcsd HCL config file:
//
//	setpoint  = 25.0
//	frequency = 50
//	duration  = "30s"
//
//	system {
//	  log_level          = "info"
//	  http_addr          = ":9600"
//	  watchdog_timeout   = "5s"
//	  shutdown_timeout   = "10s"
//	  message_queue_size = 5000
//	  shared_memory_size = 52428800
//	  enable_metrics     = true
//	}
type demoConfig struct {
	Setpoint  float64      `hcl:"setpoint,optional"`
	Frequency float64      `hcl:"frequency,optional"`
	Duration  string       `hcl:"duration,optional"`
	System    *systemBlock `hcl:"system,block"`
}

type systemBlock struct {
	LogLevel         string `hcl:"log_level,optional"`
	HTTPAddr         string `hcl:"http_addr,optional"`
	WatchdogTimeout  string `hcl:"watchdog_timeout,optional"`
	ShutdownTimeout  string `hcl:"shutdown_timeout,optional"`
	MessageQueueSize int    `hcl:"message_queue_size,optional"`
	SharedMemorySize int    `hcl:"shared_memory_size,optional"`
	EnableMetrics    *bool  `hcl:"enable_metrics,optional"`
}

// loadDemoConfig parses the HCL file at path.
func loadDemoConfig(path string) (*demoConfig, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %w", path, diags)
	}

	var parsed demoConfig
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", path, diags)
	}
	return &parsed, nil
}

// apply overlays the file values onto cfg. Unset fields leave cfg untouched.
func (d *demoConfig) apply(cfg dcs.Config) (dcs.Config, error) {
	if d.System == nil {
		return cfg, nil
	}
	s := d.System

	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
	if s.HTTPAddr != "" {
		cfg.HTTPAddr = s.HTTPAddr
	}
	if s.WatchdogTimeout != "" {
		t, err := time.ParseDuration(s.WatchdogTimeout)
		if err != nil {
			return cfg, fmt.Errorf("watchdog_timeout: %w", err)
		}
		cfg.WatchdogTimeout = t
	}
	if s.ShutdownTimeout != "" {
		t, err := time.ParseDuration(s.ShutdownTimeout)
		if err != nil {
			return cfg, fmt.Errorf("shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = t
	}
	if s.MessageQueueSize > 0 {
		cfg.MessageQueueSize = s.MessageQueueSize
	}
	if s.SharedMemorySize > 0 {
		cfg.SharedMemorySize = s.SharedMemorySize
	}
	if s.EnableMetrics != nil {
		cfg.EnableMetrics = *s.EnableMetrics
	}
	return cfg, nil
}
