package control

import "math"

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// signum returns -1 for negative values and 1 otherwise.
func signum(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// almostZero reports whether |v| is below the kinematics epsilon.
func almostZero(v float64) bool {
	return math.Abs(v) < kinematicsEpsilon
}
