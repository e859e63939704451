package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawConverterRoundTrip(t *testing.T) {
	c, err := ByName("raw")
	require.NoError(t, err)
	assert.Equal(t, "1234", c.Encode(1234))
	v, err := c.Decode("1234")
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), v)
}

func TestBoolConverterAcceptsCommonSpellings(t *testing.T) {
	c, _ := ByName("bool")
	assert.Equal(t, "1", c.Encode(5))
	assert.Equal(t, "0", c.Encode(0))

	for _, payload := range []string{"1", "true", "on"} {
		v, err := c.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(1), v)
	}
	_, err := c.Decode("maybe")
	assert.Error(t, err)
}

func TestI16ConverterHandlesNegativeValues(t *testing.T) {
	c, _ := ByName("i16")
	assert.Equal(t, "-1", c.Encode(0xFFFF))
	v, err := c.Decode("-1")
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), v)
}

func TestByNameRejectsUnknownConverter(t *testing.T) {
	_, err := ByName("scaled")
	assert.Error(t, err)
}

func TestEmptyNameDefaultsToRaw(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "7", c.Encode(7))
}
