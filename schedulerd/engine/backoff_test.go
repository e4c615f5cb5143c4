package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffDoublesPerRetry(t *testing.T) {
	base := time.Minute
	assert.Equal(t, time.Minute, retryBackoff(base, 0))
	assert.Equal(t, 2*time.Minute, retryBackoff(base, 1))
	assert.Equal(t, 4*time.Minute, retryBackoff(base, 2))
	assert.Equal(t, 8*time.Minute, retryBackoff(base, 3))
}

func TestRetryBackoffCaps(t *testing.T) {
	assert.Equal(t, maxBackoff, retryBackoff(time.Minute, 10))
	assert.Equal(t, maxBackoff, retryBackoff(time.Minute, 100), "no overflow at large retry counts")
}

func TestRetryBackoffDefaultsBase(t *testing.T) {
	assert.Equal(t, time.Minute, retryBackoff(0, 0))
	assert.Equal(t, 2*time.Minute, retryBackoff(-time.Second, 1))
}
