package locale

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabels_MatchesClosestLocale(t *testing.T) {
	l, err := NewLabels(nil)
	require.NoError(t, err)

	require.Equal(t, "you: ", l.For("en-US").YouPrefix)
	require.Equal(t, "tu: ", l.For("it-IT").YouPrefix)
	require.Equal(t, "tu: ", l.For("it").YouPrefix)
	require.Equal(t, "you: ", l.For("ja").YouPrefix)
	require.Equal(t, "you: ", l.For("").YouPrefix)
}

func TestLabels_RejectsInvalidLocale(t *testing.T) {
	_, err := NewLabels(map[string]LabelSet{"not a tag!": {YouPrefix: "x"}})
	require.Error(t, err)
}

func TestCanonical(t *testing.T) {
	require.Equal(t, "en-US", Canonical("en-us"))
	require.Equal(t, "it", Canonical("it"))
	require.Equal(t, "en", Canonical(""))
}
