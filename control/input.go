package control

// Deadband maps inputs with magnitude below deadband to zero and squares the
// rest, keeping the sign. Squaring gives finer control near center while
// full deflection still reaches ±1.
func Deadband(input, deadband float64) float64 {
	if input < deadband && input > -deadband {
		return 0
	}
	if input < 0 {
		return -(input * input)
	}
	return input * input
}
