package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 5; i++ {
		admitted, _, _ := l.Admit("client-a", ClassGeneration)
		assert.True(t, admitted, "request %d should be admitted", i)
	}

	admitted, remaining, retryAfter := l.Admit("client-a", ClassGeneration)
	assert.False(t, admitted)
	assert.Equal(t, 0, remaining)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestLimiterTracksBucketsIndependently(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 5; i++ {
		admitted, _, _ := l.Admit("client-a", ClassGeneration)
		assert.True(t, admitted)
	}

	admitted, _, _ := l.Admit("client-b", ClassGeneration)
	assert.True(t, admitted, "a different client must have its own bucket")

	admitted, _, _ = l.Admit("client-a", ClassStandard)
	assert.True(t, admitted, "a different class must have its own bucket")
}

func TestLimiterWindowExpires(t *testing.T) {
	b := &bucket{}

	admitted, remaining, _ := b.admit(time.Unix(0, 0), 1, time.Second)
	assert.True(t, admitted)
	assert.Equal(t, 0, remaining)

	admitted, _, retryAfter := b.admit(time.Unix(0, 0).Add(500*time.Millisecond), 1, time.Second)
	assert.False(t, admitted)
	assert.Greater(t, retryAfter, time.Duration(0))

	admitted, _, _ = b.admit(time.Unix(0, 0).Add(1500*time.Millisecond), 1, time.Second)
	assert.True(t, admitted, "bucket should admit again once the window has rolled forward")
}
