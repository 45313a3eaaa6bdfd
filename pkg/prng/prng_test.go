package prng

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameSeedSameBytes(t *testing.T) {
	a := make([]byte, 37)
	b := make([]byte, 37)
	_, err := io.ReadFull(New(7), a)
	require.NoError(t, err)
	_, err = io.ReadFull(New(7), b)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c := make([]byte, 37)
	_, _ = io.ReadFull(New(8), c)
	assert.NotEqual(t, a, c)
}

func TestShortReads(t *testing.T) {
	for n := 0; n < 17; n++ {
		p := make([]byte, n)
		got, err := New(1).Read(p)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}
