package offlinegw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"512":   512,
		"512b":  512,
		"64kb":  64 << 10,
		"64K":   64 << 10,
		"1.5mb": 3 << 19,
		"2g":    2 << 30,
		" 1TB ": 1 << 40,
	}
	for in, want := range cases {
		got, err := parseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"b", "mb", "-1kb", "ten"} {
		_, err := parseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0b", formatBytes(0))
	assert.Equal(t, "1023b", formatBytes(1023))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(3<<19))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
