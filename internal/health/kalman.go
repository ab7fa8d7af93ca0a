package health

// kalmanFilter is a one-dimensional linear state estimator. Each metric
// stream gets its own filter: prediction inflates the error covariance by
// the process noise, the measurement update blends the new sample in with
// the Kalman gain. Samples arrive at irregular intervals, which a scalar
// filter tolerates as long as process noise is tuned per metric.
type kalmanFilter struct {
	x      float64 // state estimate
	p      float64 // estimate covariance
	q      float64 // process noise
	r      float64 // measurement noise
	primed bool
}

func newKalmanFilter(processNoise, measurementNoise float64) *kalmanFilter {
	return &kalmanFilter{
		p: 1,
		q: processNoise,
		r: measurementNoise,
	}
}

// Update folds one measurement into the estimate and returns the new state.
func (f *kalmanFilter) Update(z float64) float64 {
	if !f.primed {
		f.x = z
		f.primed = true
		return f.x
	}
	// Predict: state carries over, uncertainty grows.
	f.p += f.q
	// Update: gain-weighted innovation.
	k := f.p / (f.p + f.r)
	f.x += k * (z - f.x)
	f.p *= 1 - k
	return f.x
}

// Value returns the current estimate without folding in a measurement.
func (f *kalmanFilter) Value() float64 { return f.x }

// Primed reports whether at least one sample has been observed.
func (f *kalmanFilter) Primed() bool { return f.primed }
