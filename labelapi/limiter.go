package labelapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 3 * time.Minute

// subjectLimiter keeps one rate limiter per authenticated subject. Every
// token issued to a subject shares its limiter.
type subjectLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	now       func() time.Time
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSubjectLimiter(rps float64, burst int, now func() time.Time) *subjectLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &subjectLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      now,
		visitors: make(map[string]*visitor),
	}
}

// allow reports whether a request from subject may proceed.
func (l *subjectLimiter) allow(subject string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[subject]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[subject] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
