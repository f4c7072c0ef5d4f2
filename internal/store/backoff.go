package store

import "time"

// retryDelay computes the exponential backoff before the next attempt:
// base * 2^(attempt-1), capped at max. attempt is the number of
// attempts already consumed.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// truncateError bounds a failure message before it is persisted.
func truncateError(msg string, limit int) string {
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit])
}
