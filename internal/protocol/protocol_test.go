package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventLines(t *testing.T) {
	require.Equal(t, "join[alice]", Joined("alice").Line())
	require.Equal(t, "left[alice]", Left("alice").Line())
	require.Equal(t, "chat[alice]:hello world", Said("alice", "hello world").Line())
	require.Equal(t, "chat[]:", Said("", "").Line())
}

func TestEventAccessors(t *testing.T) {
	e := Said("bob", "hi")
	require.Equal(t, KindSaid, e.Kind())
	require.Equal(t, "bob", e.Name())
	require.Equal(t, "hi", e.Text())
	require.Equal(t, e.Line(), e.String())
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		line string
		kind EventKind
		name string
		text string
		ok   bool
	}{
		{"join[alice]", KindJoined, "alice", "", true},
		{"left[bob]", KindLeft, "bob", "", true},
		{"chat[carol]:hey there", KindSaid, "carol", "hey there", true},
		{"chat[dave]:a]:b", KindSaid, "dave", "a]:b", true},
		{"chat[eve]:", KindSaid, "eve", "", true},
		{DefaultPrompt, 0, "", "", false},
		{"chat[broken", 0, "", "", false},
		{"", 0, "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			kind, name, text, ok := ParseLine(tc.line)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.kind, kind)
			require.Equal(t, tc.name, name)
			require.Equal(t, tc.text, text)
		})
	}
}

func TestParseLineRoundTripsRenderedEvents(t *testing.T) {
	for _, e := range []*Event{Joined("a b"), Left("ü"), Said("x", "y z")} {
		kind, name, text, ok := ParseLine(e.Line())
		require.True(t, ok)
		require.Equal(t, e.Kind(), kind)
		require.Equal(t, e.Name(), name)
		require.Equal(t, e.Text(), text)
	}
}
