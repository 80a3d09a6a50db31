// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// apiTokenRate is the token refill rate for the api request bucket,
	// per second.
	apiTokenRate = 3

	// apiBurst is the maximum token usage allowed per second for api
	// clients.
	apiBurst = 3
)

// rateLimiter keeps api clients within their allocated request rates.
type rateLimiter struct {
	mtx      sync.Mutex
	limiters map[string]*rate.Limiter
}

// newRateLimiter initializes a rate limiter.
func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// withinLimit asserts the client referenced by the provided ip is within
// its request allocation.
func (r *rateLimiter) withinLimit(ip string) bool {
	r.mtx.Lock()
	limiter := r.limiters[ip]
	if limiter == nil {
		limiter = rate.NewLimiter(apiTokenRate, apiBurst)
		r.limiters[ip] = limiter
	}
	r.mtx.Unlock()
	return limiter.Allow()
}
