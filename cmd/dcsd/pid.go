package main

// pid is a discrete PID controller with integral anti-windup and a
// low-pass-filtered derivative term. Output is clamped to [outMin, outMax].
type pid struct {
	kp, ki, kd float64

	integral       float64
	integralLimit  float64
	lastError      float64
	lastDerivative float64
	alpha          float64

	outMin, outMax float64
}

func newPID(kp, ki, kd, outMin, outMax float64) *pid {
	return &pid{
		kp: kp, ki: ki, kd: kd,
		integralLimit: 50,
		alpha:         0.1,
		outMin:        outMin,
		outMax:        outMax,
	}
}

// Calculate advances the controller by dt seconds and returns the clamped
// control output.
func (c *pid) Calculate(setpoint, measurement, dt float64) float64 {
	if dt <= 0 {
		return clamp(c.kp*(setpoint-measurement), c.outMin, c.outMax)
	}

	err := setpoint - measurement
	p := c.kp * err

	c.integral = clamp(c.integral+err*dt, -c.integralLimit, c.integralLimit)
	i := c.ki * c.integral

	derivative := (err - c.lastError) / dt
	derivative = c.alpha*derivative + (1-c.alpha)*c.lastDerivative
	d := c.kd * derivative

	c.lastError = err
	c.lastDerivative = derivative

	return clamp(p+i+d, c.outMin, c.outMax)
}

// Reset clears the controller's accumulated state.
func (c *pid) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastDerivative = 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
