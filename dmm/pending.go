package dmm

import (
	"time"
)

// pendingQueries is an optional bounded record of in-flight queries, used to
// spot replies that arrive with nothing outstanding or long after their
// query. Arrival order remains the protocol's only correlation mechanism;
// the tracker reports when that assumption looks violated, it never changes
// how a line is classified.
type pendingQueries struct {
	limit int
	ttl   time.Duration
	queue []pendingQuery
}

type pendingQuery struct {
	cmd    string
	sentAt time.Time
}

func newPendingQueries(limit int, ttl time.Duration) *pendingQueries {
	if limit <= 0 {
		limit = 8
	}
	return &pendingQueries{limit: limit, ttl: ttl}
}

// push records a sent query. When the queue is full the oldest entry is
// dropped so a dead instrument cannot grow the queue without bound.
func (p *pendingQueries) push(cmd string, sentAt time.Time) {
	if len(p.queue) >= p.limit {
		logger.Printf("Pending query overflow, dropping oldest %q", p.queue[0].cmd)
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, pendingQuery{cmd: cmd, sentAt: sentAt})
}

// match consumes the oldest live pending query for a line that just arrived
// and returns its command, or "" when nothing was outstanding.
func (p *pendingQueries) match(line string, at time.Time) string {
	p.evictStale(at)
	if len(p.queue) == 0 {
		logger.Printf("Line %q arrived with no query outstanding", line)
		return ""
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	return head.cmd
}

// evictStale drops queries older than the ttl. Their replies are presumed
// lost, so they must not soak up correlation slots for later lines.
func (p *pendingQueries) evictStale(at time.Time) {
	if p.ttl <= 0 {
		return
	}
	for len(p.queue) > 0 && at.Sub(p.queue[0].sentAt) > p.ttl {
		logger.Printf("Pending query %q unanswered for %v, evicting", p.queue[0].cmd, at.Sub(p.queue[0].sentAt))
		p.queue = p.queue[1:]
	}
}
