package ratelimit

// ConnLimiter bounds the inbound signaling traffic of a single rendezvous
// connection. A zero limit disables that dimension.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clock Clock, messagesPerSecond, bytesPerSecond int) *ConnLimiter {
	l := &ConnLimiter{}
	if messagesPerSecond > 0 {
		l.messages = NewTokenBucket(clock, int64(messagesPerSecond), int64(messagesPerSecond))
	}
	if bytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, int64(bytesPerSecond), int64(bytesPerSecond))
	}
	return l
}

// AllowMessage reports whether a message of size bytes fits in both budgets.
// The message budget is charged first; a rejected message is not refunded.
func (l *ConnLimiter) AllowMessage(size int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false
	}
	return true
}
