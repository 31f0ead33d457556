package telemetry

import (
	"math"
	"time"
)

const (
	backoffBase   = time.Second
	backoffFactor = 1.8
	backoffCap    = 30 * time.Second
)

// Backoff returns min(30s, 1s * 1.8^attempt).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt))
	if delay >= float64(backoffCap) || math.IsInf(delay, 1) {
		return backoffCap
	}
	return time.Duration(delay)
}
