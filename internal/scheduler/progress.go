package scheduler

import "time"

// progressCeiling is the highest estimated percentage while a task still
// runs; only a successful terminal event sets 100.
const progressCeiling = 95

// estimator paces a displayed percentage between real worker signals. It is
// a smoothing heuristic, never an input to correctness decisions.
type estimator struct {
	startedAt        time.Time
	estimatedSeconds float64
	lastCrawlTick    time.Time
}

// newEstimator derives an expected duration from the input size: about 2.2
// seconds per MiB, clamped to [8s, 240s].
func newEstimator(inputBytes int64, now time.Time) estimator {
	sizeMB := float64(inputBytes) / (1024 * 1024)
	if sizeMB < 1 {
		sizeMB = 1
	}
	estimated := sizeMB * 2.2
	if estimated < 8 {
		estimated = 8
	}
	if estimated > 240 {
		estimated = 240
	}
	return estimator{startedAt: now, estimatedSeconds: estimated}
}

// target returns the next estimated percentage given the current value.
// Ahead of schedule it crawls upward one point per second so the display
// never stalls; it approaches but never reaches 100 while running.
func (e *estimator) target(current int, now time.Time) int {
	elapsed := now.Sub(e.startedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	est := e.estimatedSeconds
	if est < 1 {
		est = 1
	}
	target := int(elapsed / est * progressCeiling)
	if target > progressCeiling {
		target = progressCeiling
	}
	if target <= current {
		if now.Sub(e.lastCrawlTick) < time.Second {
			return current
		}
		target = current + 1
		if target > progressCeiling {
			target = progressCeiling
		}
	}
	e.lastCrawlTick = now
	return target
}
