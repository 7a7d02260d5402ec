package scheduling

// LinearForecast fits a line through the given samples by ordinary least
// squares (sample index as the x axis) and extrapolates horizon future points,
// one per step past the end of the series. Forecast values are clamped to be
// non-negative, since every metric the engine forecasts is physically
// non-negative.
//
// The fit is intentionally simple: no seasonality, no outlier rejection. It is
// a pure function with no side effects.
func LinearForecast(samples []float64, horizon int) []float64 {
	if horizon <= 0 {
		return []float64{}
	}

	forecast := make([]float64, horizon)

	n := float64(len(samples))
	if len(samples) == 0 {
		return forecast
	}

	if len(samples) == 1 {
		for i := range forecast {
			forecast[i] = clampNonNegative(samples[0])
		}
		return forecast
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		// All x identical; cannot happen with index-based x, but guard anyway.
		for i := range forecast {
			forecast[i] = clampNonNegative(samples[len(samples)-1])
		}
		return forecast
	}

	slope := (n*sumXY - sumX*sumY) / denominator
	intercept := (sumY - slope*sumX) / n

	for i := 0; i < horizon; i++ {
		x := n + float64(i)
		forecast[i] = clampNonNegative(slope*x + intercept)
	}

	return forecast
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
