package humanoid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCoversEveryRune(t *testing.T) {
	typist := NewTypist(Config{Seed: 1})
	text := "what is the airspeed of an unladen swallow?"
	schedule := typist.Schedule(text)

	require.Len(t, schedule, len([]rune(text)))
	for i, ks := range schedule {
		assert.Equal(t, []rune(text)[i], ks.Rune)
	}
}

func TestScheduleDelaysBounded(t *testing.T) {
	typist := NewTypist(Config{Seed: 42})
	schedule := typist.Schedule("hello world, this is a longer query to type")

	for i, ks := range schedule {
		assert.GreaterOrEqual(t, ks.Delay, 20*time.Millisecond, "keystroke %d", i)
		if i > 0 {
			assert.LessOrEqual(t, ks.Delay, 1200*time.Millisecond, "keystroke %d", i)
		}
		assert.GreaterOrEqual(t, ks.Hold, 15*time.Millisecond, "keystroke %d", i)
	}
	// First key carries the planning pause.
	assert.Greater(t, schedule[0].Delay, 300*time.Millisecond)
}

func TestScheduleDeterministicWithSeed(t *testing.T) {
	a := NewTypist(Config{Seed: 7}).Schedule("same text")
	b := NewTypist(Config{Seed: 7}).Schedule("same text")
	assert.Equal(t, a, b)
}

func TestScheduleVariesBetweenSeeds(t *testing.T) {
	a := NewTypist(Config{Seed: 1}).Schedule("same text")
	b := NewTypist(Config{Seed: 2}).Schedule("same text")
	assert.NotEqual(t, a, b)
}

func TestThinkPausePositive(t *testing.T) {
	typist := NewTypist(Config{Seed: 3})
	for i := 0; i < 100; i++ {
		p := typist.ThinkPause(800 * time.Millisecond)
		assert.GreaterOrEqual(t, p, 200*time.Millisecond)
	}
}
