package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKey(t *testing.T) {
	assert.Equal(t, "u1-whatsapp", Key("u1", models.PlatformWhatsApp))
}

func TestReserveAdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(60, WithClock(clock.Now))
	key := Key("u1", models.PlatformWhatsApp)

	for i := 0; i < 60; i++ {
		_, err := l.Reserve(key)
		require.NoError(t, err, "call %d", i+1)
		clock.Advance(10 * time.Millisecond)
	}

	_, err := l.Reserve(key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimitExceeded))

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, key, exceeded.Key)
	assert.Equal(t, 60*time.Second-600*time.Millisecond, exceeded.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(2, WithClock(clock.Now))

	l.Record("k")
	clock.Advance(30 * time.Second)
	l.Record("k")
	assert.False(t, l.Check("k"))

	clock.Advance(30 * time.Second)
	// The first event is exactly one window old and no longer counts.
	assert.True(t, l.Check("k"))
	assert.Equal(t, 1, l.Count("k"))
	assert.Equal(t, time.Duration(0), l.RetryAfter("k"))
}

func TestCheckDoesNotRecord(t *testing.T) {
	l := NewSlidingWindow(1)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("k"))
	}
	assert.Equal(t, 0, l.Count("k"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewSlidingWindow(1)
	_, err := l.Reserve(Key("u1", models.PlatformTelegram))
	require.NoError(t, err)
	_, err = l.Reserve(Key("u1", models.PlatformSlack))
	require.NoError(t, err)
	_, err = l.Reserve(Key("u2", models.PlatformTelegram))
	require.NoError(t, err)
	_, err = l.Reserve(Key("u1", models.PlatformTelegram))
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
}

func TestCancelReleasesSlot(t *testing.T) {
	l := NewSlidingWindow(1)
	r, err := l.Reserve("k")
	require.NoError(t, err)
	assert.False(t, l.Check("k"))

	r.Cancel()
	r.Cancel()
	assert.True(t, l.Check("k"))
	assert.Equal(t, 0, l.Count("k"))

	var nilRes *Reservation
	assert.NotPanics(t, nilRes.Cancel)
}

func TestConcurrentReserveNeverOvershoots(t *testing.T) {
	l := NewSlidingWindow(25)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve("shared"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(25), admitted.Load())
}

func TestTrackedKeysAreBounded(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(10, WithClock(clock.Now))
	for i := 0; i < maxTrackedKeys+50; i++ {
		l.Record(Key(time.Duration(i).String(), models.PlatformDiscord))
	}
	l.mu.Lock()
	n := len(l.windows)
	l.mu.Unlock()
	assert.LessOrEqual(t, n, maxTrackedKeys)
}
