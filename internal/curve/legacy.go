package curve

// Fixed duty curves carried over from the previous generation of the
// control scripts. Both saturate at 0 and 100 percent.

// CPUFanSpeed maps a CPU temperature to a duty percentage (6t - 200):
// 0% at 33.3 degrees, 100% at 50 degrees.
func CPUFanSpeed(temperature float64) float64 {
	return Clamp(6*temperature-200, 0, 100)
}

// SkewTemperature applies a per-fan modifier to the effective
// temperature so paired fans do not run in lockstep: a positive
// modifier scales the temperature, a negative one shifts it down.
func SkewTemperature(temperature, modifier float64) float64 {
	if modifier > 0 {
		return temperature * (1 + modifier)
	}
	if modifier < 0 {
		return temperature + modifier*20
	}

	return temperature
}

// GPUFanSpeed maps a GPU temperature to a duty percentage ((5t - 100) / 2):
// 0% at 20 degrees, 100% at 60 degrees, after the modifier skew.
func GPUFanSpeed(temperature, modifier float64) float64 {
	t := SkewTemperature(temperature, modifier)

	return Clamp((5*t-100)/2, 0, 100)
}

// EstimateCPUFromLiquid approximates the CPU die temperature from the
// coolant temperature ((30L - 727.5) / 7.5), calibrated against a closed
// loop 280mm radiator. Used when no CPU sensor is readable.
func EstimateCPUFromLiquid(liquid float64) float64 {
	return (30*liquid - 727.5) / 7.5
}
