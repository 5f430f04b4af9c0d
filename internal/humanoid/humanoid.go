// Package humanoid generates human-like input timing. It is deliberately
// backend-free: it produces keystroke schedules that the session layer plays
// back through whatever driver is in use, which keeps the timing model
// testable without a browser.
package humanoid

import (
	"math/rand"
	"sync"
	"time"
	"unicode"

	"github.com/aquilax/go-perlin"
)

// Common English digraphs and trigraphs are typed measurably faster than
// arbitrary letter pairs.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// Keystroke is one unit of a typing schedule.
type Keystroke struct {
	Rune  rune
	Delay time.Duration // pause before the key goes down
	Hold  time.Duration // time the key stays down
}

// Config tunes the cadence model.
type Config struct {
	// BaseInterKeyMs is the mean pause between keys before modifiers.
	BaseInterKeyMs float64
	// BaseHoldMs is the mean key hold duration.
	BaseHoldMs float64
	// Seed fixes the random source; zero means time-based.
	Seed int64
}

// DefaultConfig matches a moderately fast touch typist.
func DefaultConfig() Config {
	return Config{BaseInterKeyMs: 110, BaseHoldMs: 55}
}

// Typist produces keystroke schedules and thinking pauses.
type Typist struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	noise   *perlin.Perlin
	fatigue float64
	clock   float64
}

// NewTypist creates a cadence generator.
func NewTypist(cfg Config) *Typist {
	if cfg.BaseInterKeyMs <= 0 {
		cfg.BaseInterKeyMs = DefaultConfig().BaseInterKeyMs
	}
	if cfg.BaseHoldMs <= 0 {
		cfg.BaseHoldMs = DefaultConfig().BaseHoldMs
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Typist{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		noise: perlin.NewPerlin(2, 2, 3, seed),
	}
}

// Schedule converts text into a humanized keystroke sequence. The first
// keystroke carries a longer "planning" delay; subsequent delays drift with
// low-frequency noise so the rhythm wanders instead of clustering around a
// constant mean.
func (t *Typist) Schedule(text string) []Keystroke {
	t.mu.Lock()
	defer t.mu.Unlock()

	runes := []rune(text)
	out := make([]Keystroke, 0, len(runes))
	for i, r := range runes {
		delay := t.interKeyDelayLocked(runes, i)
		if i == 0 {
			delay += time.Duration(300+t.rng.Intn(400)) * time.Millisecond
		}
		out = append(out, Keystroke{
			Rune:  r,
			Delay: delay,
			Hold:  t.holdLocked(),
		})
		// Typing long inputs slows the typist down.
		t.fatigue += 0.004
		if t.fatigue > 0.5 {
			t.fatigue = 0.5
		}
	}
	return out
}

// ThinkPause returns a cognitive pause around the given mean, used before
// submitting a query or after a page settles.
func (t *Typist) ThinkPause(mean time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	stddev := float64(mean) * 0.4
	d := time.Duration(float64(mean) + t.rng.NormFloat64()*stddev)
	if d < mean/4 {
		d = mean / 4
	}
	return d
}

func (t *Typist) interKeyDelayLocked(runes []rune, i int) time.Duration {
	mean := t.cfg.BaseInterKeyMs * (1 + t.fatigue)

	// N-gram familiarity speeds up the pair/triple.
	if i >= 1 && commonNgrams[string(runes[i-1:i+1])] {
		mean *= 0.7
	}
	if i >= 2 && commonNgrams[string(runes[i-2:i+1])] {
		mean *= 0.8
	}
	// Whitespace and punctuation carry a word-boundary pause.
	if i > 0 && (unicode.IsSpace(runes[i-1]) || unicode.IsPunct(runes[i-1])) {
		mean *= 1.6
	}

	// Low-frequency noise drift keeps the rhythm organic.
	t.clock += 0.15
	drift := 1 + 0.25*t.noise.Noise1D(t.clock)
	jitter := 1 + 0.3*t.rng.NormFloat64()
	if jitter < 0.3 {
		jitter = 0.3
	}

	d := time.Duration(mean*drift*jitter) * time.Millisecond
	if d < 20*time.Millisecond {
		d = 20 * time.Millisecond
	}
	if d > 1200*time.Millisecond {
		d = 1200 * time.Millisecond
	}
	return d
}

func (t *Typist) holdLocked() time.Duration {
	hold := t.cfg.BaseHoldMs * (1 + 0.2*t.rng.NormFloat64())
	if hold < 15 {
		hold = 15
	}
	return time.Duration(hold) * time.Millisecond
}
