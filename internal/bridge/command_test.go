package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRecognizesCommand(t *testing.T) {
	p, ok := Parse("!new foo localhost /tmp")
	require.True(t, ok)
	require.Equal(t, "!new", p.Command)
	require.Equal(t, []string{"foo", "localhost", "/tmp"}, p.Args)
}

func TestParseIsCaseInsensitiveOnCommand(t *testing.T) {
	p, ok := Parse("!NEW foo")
	require.True(t, ok)
	require.Equal(t, "!new", p.Command)
	require.Equal(t, "foo", p.Args[0])
}

func TestParseRejectsNonCommandText(t *testing.T) {
	_, ok := Parse("just chatting")
	require.False(t, ok)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, ok := Parse("   ")
	require.False(t, ok)
}
