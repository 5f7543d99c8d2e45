package downloader

import "time"

// etaEstimator extrapolates the remaining time from the progress made since
// the last reset. Pauses reset it so waiting time is not counted.
type etaEstimator struct {
	now       func() time.Time
	start     time.Time
	startPct  float64
	hasSample bool
}

func newETA() *etaEstimator {
	e := &etaEstimator{now: time.Now}
	e.reset(-1)
	return e
}

// reset starts a new measurement from the given progress percentage.
func (e *etaEstimator) reset(percent float64) {
	e.start = e.now()
	e.startPct = percent
	e.hasSample = percent >= 0
}

// estimate returns the remaining time for the given progress percentage, or
// zero when it cannot be estimated yet.
func (e *etaEstimator) estimate(percent float64) time.Duration {
	if percent < 0 {
		return 0
	}
	if !e.hasSample {
		e.reset(percent)
		return 0
	}
	done := percent - e.startPct
	elapsed := e.now().Sub(e.start)
	if done <= 0 || elapsed <= 0 {
		return 0
	}
	perPct := float64(elapsed) / done
	return time.Duration(perPct * (100 - percent)).Round(time.Second)
}
