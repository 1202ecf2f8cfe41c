package herd

import (
	"math"
	"time"
)

// absoluteThreshold is Memcached's overload cutoff for the expiration
// argument: anything above 30 days is interpreted by the server as an
// absolute Unix timestamp rather than relative seconds.
const absoluteThreshold = 30 * 24 * time.Hour

// normalizeExpiration converts a caller-supplied expiration to a
// relative duration from now. Expirations above the 30-day cutoff are
// absolute Unix timestamps (expressed as a duration since the epoch)
// and become `expiration - now`. Runs exactly once per call per key.
func normalizeExpiration(expiration time.Duration, now time.Time) time.Duration {
	if expiration > absoluteThreshold {
		return expiration - time.Duration(now.UnixNano())
	}
	return expiration
}

// ceilSeconds rounds a duration up to whole seconds for a Memcached
// TTL argument. Durations under one second still get a 1s TTL: a
// zero TTL would mean "never expire" to the server and unbound the
// lock lifetime.
func ceilSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 1
	}
	s := int32(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// envelopeTTL sizes the store-level TTL of a valued envelope: the
// relative expiration plus the compute-time bound. The surplus gives
// the soft-expired value a bounded afterlife during recomputation and
// caps how long a crashed re-lock holder can pin the key.
func envelopeTTL(rel, computeTime time.Duration) int32 {
	var relSecs int32
	if rel > 0 {
		relSecs = int32(math.Ceil(rel.Seconds()))
	}
	return relSecs + ceilSeconds(computeTime)
}

// unixSeconds converts a wall-clock instant to fractional Unix
// seconds, the unit soft expiries are stored in.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
