// Package ratelimit implements fixed window request limits keyed by the
// SHA-256 of the client IP.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	DefaultRequests = 10
	DefaultWindow   = time.Minute
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts hits per key inside a fixed window
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Key hashes ip so raw addresses are never stored
func Key(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func normalize(requests int, window time.Duration) (int, time.Duration) {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return requests, window
}
