package hr

// Smoother is a one dimensional estimator fed with accepted BPM values
type Smoother interface {
	// Update folds measurement into the estimate and returns the new estimate
	Update(measurement float64) float64
	Value() float64
	Reset()
}

// Kalman filter defaults tuned for a resting-to-exercise heart rate signal
const (
	DefaultProcessNoise     = 0.1
	DefaultMeasurementNoise = 2.0
	kalmanInitialState      = 70.0
	kalmanInitialCovariance = 10.0
)

// KalmanSmoother is a scalar Kalman filter with an identity transition
type KalmanSmoother struct {
	processNoise     float64
	measurementNoise float64
	state            float64
	covariance       float64
	seeded           bool
}

func NewKalmanSmoother(processNoise, measurementNoise float64) *KalmanSmoother {
	if processNoise <= 0 {
		processNoise = DefaultProcessNoise
	}
	if measurementNoise <= 0 {
		measurementNoise = DefaultMeasurementNoise
	}
	k := &KalmanSmoother{processNoise: processNoise, measurementNoise: measurementNoise}
	k.Reset()
	return k
}

func (k *KalmanSmoother) Update(measurement float64) float64 {
	// the first measurement seeds the state so start-up does not lag from 70
	if !k.seeded {
		k.state = measurement
		k.seeded = true
		return k.state
	}
	// predict
	k.covariance += k.processNoise
	// update
	gain := k.covariance / (k.covariance + k.measurementNoise)
	k.state += gain * (measurement - k.state)
	k.covariance *= 1 - gain
	return k.state
}

func (k *KalmanSmoother) Value() float64 {
	return k.state
}

func (k *KalmanSmoother) Reset() {
	k.state = kalmanInitialState
	k.covariance = kalmanInitialCovariance
	k.seeded = false
}

// DefaultEMAAlpha weights the newest value in EMASmoother
const DefaultEMAAlpha = 0.3

// EMASmoother is an exponentially weighted moving average
type EMASmoother struct {
	alpha  float64
	value  float64
	seeded bool
}

func NewEMASmoother(alpha float64) *EMASmoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEMAAlpha
	}
	return &EMASmoother{alpha: alpha}
}

func (e *EMASmoother) Update(measurement float64) float64 {
	if !e.seeded {
		e.value = measurement
		e.seeded = true
		return e.value
	}
	e.value = e.alpha*measurement + (1-e.alpha)*e.value
	return e.value
}

func (e *EMASmoother) Value() float64 {
	return e.value
}

func (e *EMASmoother) Reset() {
	e.value = 0
	e.seeded = false
}
