package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToFTSQuery(t *testing.T) {
	require.Equal(t, `"hello"`, toFTSQuery("hello"))
	require.Equal(t, `"say ""hi"" now"`, toFTSQuery(`say "hi" now`))
}
