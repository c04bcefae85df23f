package session

import "time"

const (
	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// ReconnectDelay returns min(base * 2^attempt, maxDelay)
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
