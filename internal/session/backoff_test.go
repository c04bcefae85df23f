package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelay(t *testing.T) {
	base, maxDelay := time.Second, 30*time.Second

	assert.Equal(t, 1000*time.Millisecond, ReconnectDelay(0, base, maxDelay))
	assert.Equal(t, 2000*time.Millisecond, ReconnectDelay(1, base, maxDelay))
	assert.Equal(t, 16000*time.Millisecond, ReconnectDelay(4, base, maxDelay))
	assert.Equal(t, 30000*time.Millisecond, ReconnectDelay(5, base, maxDelay))
	assert.Equal(t, 30000*time.Millisecond, ReconnectDelay(10, base, maxDelay))
	assert.Equal(t, maxDelay, ReconnectDelay(200, base, maxDelay))
}

func TestReconnectDelayMonotone(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 80; attempt++ {
		d := ReconnectDelay(attempt, time.Second, 30*time.Second)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestReconnectDelayDefaults(t *testing.T) {
	assert.Equal(t, DefaultReconnectBaseDelay, ReconnectDelay(0, 0, 0))
	assert.Equal(t, DefaultReconnectBaseDelay, ReconnectDelay(-3, 0, 0))
}
