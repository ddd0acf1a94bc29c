package queue

import (
	"math"
	"time"
)

const processingWindow = 100

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Size              int           `json:"size"`
	InFlight          int           `json:"in_flight"`
	Processed         int64         `json:"tasks_processed"`
	Queued            int64         `json:"tasks_queued"`
	Failed            int64         `json:"tasks_failed"`
	Retried           int64         `json:"tasks_retried"`
	Evicted           int64         `json:"tasks_evicted"`
	Rejected          int64         `json:"tasks_rejected"`
	Overflow          int64         `json:"overflow"`
	Timeouts          int64         `json:"timeouts"`
	Deferred          int64         `json:"starts_deferred"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	Efficiency        float64       `json:"efficiency"`
}

// counters is guarded by Queue.mu.
type counters struct {
	processed int64
	queued    int64
	failed    int64
	retried   int64
	evicted   int64
	rejected  int64
	overflow  int64
	timeouts  int64
	deferred  int64
	attempts  int64

	window [processingWindow]time.Duration
	filled int
	next   int
}

func (c *counters) recordDuration(d time.Duration) {
	c.window[c.next] = d
	c.next = (c.next + 1) % processingWindow
	if c.filled < processingWindow {
		c.filled++
	}
}

func (c *counters) avgDuration() time.Duration {
	if c.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < c.filled; i++ {
		total += c.window[i]
	}
	return total / time.Duration(c.filled)
}

// efficiency blends success rate (50%), non-overflow rate (25%), and
// non-timeout rate (25%) into a 0-100 score.
func (c *counters) efficiency() float64 {
	success := 1.0
	if done := c.processed + c.failed; done > 0 {
		success = float64(c.processed) / float64(done)
	}
	nonOverflow := 1.0
	if c.queued > 0 {
		nonOverflow = 1 - float64(c.overflow)/float64(c.queued)
	}
	nonTimeout := 1.0
	if c.attempts > 0 {
		nonTimeout = 1 - float64(c.timeouts)/float64(c.attempts)
	}

	score := 100 * (0.5*success + 0.25*nonOverflow + 0.25*nonTimeout)
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10
}
