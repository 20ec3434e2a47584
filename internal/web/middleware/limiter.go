package middleware

import (
	"net/http"
)

// Limiter bounds the number of requests served at once. Up to queueSize
// further requests wait for a slot; anything beyond that is turned away.
type Limiter struct {
	waiting  chan struct{}
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	return &Limiter{
		waiting:  make(chan struct{}, queueSize+maxInflight),
		inflight: make(chan struct{}, maxInflight),
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case l.waiting <- struct{}{}:
		default:
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-l.waiting }()

		select {
		case l.inflight <- struct{}{}:
		case <-r.Context().Done():
			http.Error(w, "request canceled or timed out", http.StatusGatewayTimeout)
			return
		}
		defer func() { <-l.inflight }()

		next.ServeHTTP(w, r)
	})
}
