package broadcaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingState(t *testing.T) {
	t.Run("only idle to typing is an edge", func(t *testing.T) {
		state := NewTypingState(time.Hour)
		noop := func(uint64) {}

		assert.True(t, state.Start(noop))
		assert.False(t, state.Start(noop))
		assert.Equal(t, TypingActive, state.Status())

		assert.True(t, state.Stop())
		assert.False(t, state.Stop())
		assert.Equal(t, TypingIdle, state.Status())
	})

	t.Run("timer fires with current generation", func(t *testing.T) {
		state := NewTypingState(10 * time.Millisecond)
		fired := make(chan uint64, 1)

		state.Start(func(generation uint64) { fired <- generation })

		select {
		case generation := <-fired:
			assert.True(t, state.Expire(generation))
			assert.Equal(t, TypingIdle, state.Status())
		case <-time.After(time.Second):
			t.Fatal("typing timer did not fire")
		}
	})

	t.Run("stale generation is ignored", func(t *testing.T) {
		state := NewTypingState(time.Hour)
		var first, second uint64

		state.Start(func(uint64) {})
		first = state.generation
		state.Start(func(uint64) {})
		second = state.generation

		assert.False(t, state.Expire(first))
		assert.Equal(t, TypingActive, state.Status())
		assert.True(t, state.Expire(second))
	})

	t.Run("expire after stop is ignored", func(t *testing.T) {
		state := NewTypingState(time.Hour)

		state.Start(func(uint64) {})
		generation := state.generation
		state.Stop()

		assert.False(t, state.Expire(generation))
	})

	t.Run("restart re-arms the timer", func(t *testing.T) {
		state := NewTypingState(50 * time.Millisecond)
		fired := make(chan uint64, 4)
		onExpire := func(generation uint64) { fired <- generation }

		state.Start(onExpire)
		time.Sleep(30 * time.Millisecond)
		state.Start(onExpire)

		generation := <-fired
		assert.True(t, state.Expire(generation))
		assert.Empty(t, fired)
	})

	t.Run("status string", func(t *testing.T) {
		assert.Equal(t, "idle", TypingIdle.String())
		assert.Equal(t, "typing", TypingActive.String())
	})
}
