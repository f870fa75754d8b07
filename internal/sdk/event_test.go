package sdk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEventKindRoundTrip(t *testing.T) {
	for kind, name := range kindNames {
		if kind == KindUnknown {
			continue
		}
		parsed, err := ParseEventKind("  " + name + " ")
		require.NoError(t, err)
		require.Equal(t, kind, parsed)
		require.Equal(t, name, parsed.String())
	}
	_, err := ParseEventKind("unknown")
	require.Error(t, err)
	_, err = ParseEventKind("exploded")
	require.Error(t, err)
	require.Equal(t, "kind(200)", EventKind(200).String())
}

func TestDefaultTerminalKinds(t *testing.T) {
	set := DefaultTerminalKinds()
	require.True(t, set.IsTerminal(Event{Kind: KindLoadFailed}))
	require.True(t, set.IsTerminal(Event{Kind: KindClosed}))
	require.False(t, set.IsTerminal(Event{Kind: KindLoaded}))
	require.False(t, set.IsTerminal(Event{Kind: KindRewarded}))
}
