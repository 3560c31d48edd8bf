package harvest

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults applied by NewConfig.
const (
	DefaultRetryDelay = 2 * time.Second
	DefaultJumpStep   = 24 * time.Hour
	DefaultRateWindow = 60 * time.Second
)

// DefaultIdentities are the User-Agent values rotated when none are configured.
// The empty identity leaves the transport default in place.
var DefaultIdentities = []string{
	"",
	"Mozilla/5.0 (Windows NT 6.1; Win64; x64)",
}

// Settings are the raw knobs used to build a Config.
type Settings struct {
	Identities []string
	// Shuffle permutes the identities once. Seed makes the permutation
	// reproducible; zero picks a random one.
	Shuffle bool
	Seed    uint64
	// MaxAttempts is N: one first attempt plus N-1 plain retries before the
	// jump. Zero means len(Identities).
	MaxAttempts int
	RetryDelay  time.Duration
	JumpStep    time.Duration
	RateWindow  time.Duration
	// Topic receives commit notifications when a publisher is wired.
	Topic string
	// DumpFailures writes raw pages of failed attempts to the blob store.
	DumpFailures bool
}

// Config is the immutable engine configuration.
type Config struct {
	identities   []string
	maxAttempts  int
	retryDelay   time.Duration
	jumpStep     time.Duration
	rateWindow   time.Duration
	topic        string
	dumpFailures bool
}

// NewConfig validates settings and freezes them.
func NewConfig(s Settings) (Config, error) {
	identities := append([]string(nil), s.Identities...)
	if len(identities) == 0 {
		identities = append(identities, DefaultIdentities...)
	}
	if s.Shuffle {
		var rng *rand.Rand
		if s.Seed != 0 {
			rng = rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
		} else {
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		rng.Shuffle(len(identities), func(i, j int) {
			identities[i], identities[j] = identities[j], identities[i]
		})
	}
	cfg := Config{
		identities:   identities,
		maxAttempts:  s.MaxAttempts,
		retryDelay:   s.RetryDelay,
		jumpStep:     s.JumpStep,
		rateWindow:   s.RateWindow,
		topic:        s.Topic,
		dumpFailures: s.DumpFailures,
	}
	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = len(identities)
	}
	if cfg.maxAttempts < 1 {
		return Config{}, fmt.Errorf("max attempts must be >= 1, got %d", s.MaxAttempts)
	}
	if cfg.retryDelay < 0 {
		return Config{}, fmt.Errorf("retry delay must be >= 0")
	}
	if cfg.retryDelay == 0 {
		cfg.retryDelay = DefaultRetryDelay
	}
	if cfg.jumpStep < 0 {
		return Config{}, fmt.Errorf("jump step must be >= 0")
	}
	if cfg.jumpStep == 0 {
		cfg.jumpStep = DefaultJumpStep
	}
	if cfg.rateWindow <= 0 {
		cfg.rateWindow = DefaultRateWindow
	}
	return cfg, nil
}

// Identity returns the identity for the given request count (round-robin).
func (c Config) Identity(requestCount int) string {
	if len(c.identities) == 0 {
		return ""
	}
	return c.identities[requestCount%len(c.identities)]
}

// Identities returns a copy of the rotation order.
func (c Config) Identities() []string {
	return append([]string(nil), c.identities...)
}

// MaxAttempts returns N.
func (c Config) MaxAttempts() int { return c.maxAttempts }

// RetryDelay returns the fixed delay before a plain retry.
func (c Config) RetryDelay() time.Duration { return c.retryDelay }

// JumpStep returns how far Until moves back on a jump.
func (c Config) JumpStep() time.Duration { return c.jumpStep }

// RateWindow returns the rate monitor window.
func (c Config) RateWindow() time.Duration { return c.rateWindow }

// Topic returns the notification topic.
func (c Config) Topic() string { return c.topic }

// DumpFailures reports whether failed pages are archived.
func (c Config) DumpFailures() bool { return c.dumpFailures }
