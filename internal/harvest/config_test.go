package harvest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(Settings{})
	require.NoError(t, err)
	require.Equal(t, DefaultIdentities, cfg.Identities())
	require.Equal(t, len(DefaultIdentities), cfg.MaxAttempts())
	require.Equal(t, DefaultRetryDelay, cfg.RetryDelay())
	require.Equal(t, DefaultJumpStep, cfg.JumpStep())
	require.Equal(t, DefaultRateWindow, cfg.RateWindow())
}

func TestNewConfigRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings Settings
	}{
		{name: "negative attempts", settings: Settings{MaxAttempts: -1}},
		{name: "negative delay", settings: Settings{RetryDelay: -time.Second}},
		{name: "negative jump", settings: Settings{JumpStep: -time.Hour}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfig(tc.settings)
			require.Error(t, err)
		})
	}
}

func TestIdentityRotatesByRequestCount(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(Settings{Identities: []string{"a", "b", "c"}})
	require.NoError(t, err)
	got := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		got = append(got, cfg.Identity(i))
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestShuffleHappensOnceAndIsSeeded(t *testing.T) {
	t.Parallel()

	identities := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	first, err := NewConfig(Settings{Identities: identities, Shuffle: true, Seed: 42})
	require.NoError(t, err)
	second, err := NewConfig(Settings{Identities: identities, Shuffle: true, Seed: 42})
	require.NoError(t, err)

	require.Equal(t, first.Identities(), second.Identities())
	require.ElementsMatch(t, identities, first.Identities())
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, identities, "input must not be mutated")
	// The order is frozen at construction.
	require.Equal(t, first.Identity(0), first.Identity(len(identities)))
}

func TestIdentitiesReturnsCopy(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(Settings{Identities: []string{"x"}})
	require.NoError(t, err)
	ids := cfg.Identities()
	ids[0] = "mutated"
	require.Equal(t, "x", cfg.Identity(0))
}

func TestParseTargetRoundTrip(t *testing.T) {
	t.Parallel()

	target, err := ParseTarget("quotes/AAPL:60")
	require.NoError(t, err)
	require.Equal(t, Target{Source: "quotes", Key: "AAPL:60"}, target)
	require.Equal(t, "quotes/AAPL:60", target.ID())

	for _, bad := range []string{"", "quotes", "/x", "x/"} {
		_, err := ParseTarget(bad)
		require.Error(t, err, bad)
	}
}

func TestExtractedClassifiesEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, ExtractEmpty, Extracted(nil).Kind)
	require.Equal(t, ExtractOK, Extracted([]Record{{Key: "1"}}).Kind)
	require.Equal(t, ExtractMalformed, Malformed(nil).Kind)
}
