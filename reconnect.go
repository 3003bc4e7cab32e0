package toolwire

import "time"

// reconnectPolicy decides whether and when the connection is re-established
// after an unexpected close. Delays grow exponentially from baseDelay; after
// maxAttempts consecutive failures the policy is exhausted and stays so until
// reset by a successful connection or an explicit Connect.
type reconnectPolicy struct {
	attempts    int
	maxAttempts int
	baseDelay   time.Duration
}

// next returns the delay before the next attempt and whether one is allowed.
// The n-th attempt (1-indexed) is delayed by baseDelay * 2^(n-1).
func (p *reconnectPolicy) next() (time.Duration, bool) {
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	delay := p.baseDelay << uint(p.attempts)
	p.attempts++
	return delay, true
}

func (p *reconnectPolicy) reset() {
	p.attempts = 0
}
