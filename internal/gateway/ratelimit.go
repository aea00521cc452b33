package gateway

import "golang.org/x/time/rate"

// requestLimiter bounds the request rate of one connection. A nil inner
// limiter (RPM <= 0) allows everything.
type requestLimiter struct {
	inner *rate.Limiter
}

func newRequestLimiter(rpm int) *requestLimiter {
	if rpm <= 0 {
		return &requestLimiter{}
	}
	// Burst of rpm/4 (min 5) absorbs registration + startup chatter.
	burst := rpm / 4
	if burst < 5 {
		burst = 5
	}
	return &requestLimiter{inner: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

func (l *requestLimiter) allow() bool {
	if l.inner == nil {
		return true
	}
	return l.inner.Allow()
}
