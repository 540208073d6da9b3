package router

import (
	"sync"
	"time"
)

// stats aggregates router-wide counters for health reporting. The
// per-minute rate uses a ring of one-second buckets so the figure
// always reflects the trailing 60 seconds.
type stats struct {
	mu sync.Mutex

	startedAt        time.Time
	activeConns      int
	totalConns       uint64
	totalMessages    uint64
	rejectedMessages uint64

	buckets    [60]uint64
	bucketSecs [60]int64
}

func newStats() *stats {
	return &stats{startedAt: time.Now()}
}

func (s *stats) connOpened() {
	s.mu.Lock()
	s.activeConns++
	s.totalConns++
	s.mu.Unlock()
}

func (s *stats) connClosed() {
	s.mu.Lock()
	if s.activeConns > 0 {
		s.activeConns--
	}
	s.mu.Unlock()
}

func (s *stats) messageProcessed() {
	now := time.Now().Unix()
	idx := now % 60

	s.mu.Lock()
	s.totalMessages++
	if s.bucketSecs[idx] != now {
		s.buckets[idx] = 0
		s.bucketSecs[idx] = now
	}
	s.buckets[idx]++
	s.mu.Unlock()
}

func (s *stats) messageRejected() {
	s.mu.Lock()
	s.rejectedMessages++
	s.mu.Unlock()
}

// snapshot holds a point-in-time view of the counters.
type statsSnapshot struct {
	Uptime            time.Duration
	ActiveConnections int
	TotalConnections  uint64
	TotalMessages     uint64
	RejectedMessages  uint64
	MessagesPerMinute uint64
}

func (s *stats) snapshot() statsSnapshot {
	now := time.Now()
	cutoff := now.Unix() - 60

	s.mu.Lock()
	defer s.mu.Unlock()

	var perMinute uint64
	for i := range s.buckets {
		if s.bucketSecs[i] > cutoff {
			perMinute += s.buckets[i]
		}
	}

	return statsSnapshot{
		Uptime:            now.Sub(s.startedAt),
		ActiveConnections: s.activeConns,
		TotalConnections:  s.totalConns,
		TotalMessages:     s.totalMessages,
		RejectedMessages:  s.rejectedMessages,
		MessagesPerMinute: perMinute,
	}
}
