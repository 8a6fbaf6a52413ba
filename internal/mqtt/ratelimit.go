package mqtt

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// messageRateLimiter admits at most limit inbound readings per interval
// through a token bucket with a full-interval burst. Drops are reported
// per reporting window, which rolls on the first message after it
// expires, so an idle bridge runs no timer. Each warning names the topic
// (the rtl_433 instance) that was dropped most.
type messageRateLimiter struct {
	limit    int64
	interval time.Duration
	bucket   *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	windowAt time.Time
	count    int64
	dropped  map[string]int64 // by topic, current window
	total    int64            // since start
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		bucket:   rate.NewLimiter(rate.Limit(float64(limit)/interval.Seconds()), int(limit)),
		now:      time.Now,
		logger:   logger,
		dropped:  make(map[string]int64),
	}
}

// allow counts one message from topic and reports whether it is
// admitted.
func (r *messageRateLimiter) allow(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.windowAt) >= r.interval {
		r.roll(now)
	}
	r.count++
	if r.bucket.AllowN(now, 1) {
		return true
	}
	r.dropped[topic]++
	r.total++
	return false
}

// roll closes the current window. Callers hold mu.
func (r *messageRateLimiter) roll(now time.Time) {
	if len(r.dropped) > 0 {
		var n, worst int64
		var worstTopic string
		for topic, d := range r.dropped {
			n += d
			if d > worst || (d == worst && topic < worstTopic) {
				worst, worstTopic = d, topic
			}
		}
		r.logger.Warn("mqtt readings dropped due to rate limit",
			"received", r.count,
			"dropped", n,
			"top_topic", worstTopic,
			"top_dropped", worst,
			"limit", r.limit,
			"interval", r.interval.String(),
		)
		clear(r.dropped)
	}
	r.windowAt = now
	r.count = 0
}

// droppedTotal returns every message refused since start.
func (r *messageRateLimiter) droppedTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
