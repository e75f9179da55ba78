package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryMiBAcceptsBareInteger(t *testing.T) {
	n, err := ParseMemoryMiB("512")
	require.NoError(t, err)
	assert.Equal(t, 512, n)
}

func TestParseMemoryMiBAcceptsHumanSuffixes(t *testing.T) {
	cases := map[string]int{
		"512m": 512,
		"1g":   1024,
		"2GiB": 2048,
	}
	for in, want := range cases {
		n, err := ParseMemoryMiB(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, n, in)
	}
}

func TestParseMemoryMiBEmptyStringIsUnspecified(t *testing.T) {
	n, err := ParseMemoryMiB("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestParseMemoryMiBRejectsGarbage(t *testing.T) {
	_, err := ParseMemoryMiB("not-a-size")
	assert.Error(t, err)
}
