package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	for in, want := range map[string]int64{
		"0":     0,
		"4096":  4096,
		"512B":  512,
		"64k":   64 << 10,
		"64KiB": 64 << 10,
		"100M":  100 << 20,
		"100MB": 100 << 20,
		"2G":    2 << 30,
		"1T":    1 << 40,
		"1.5G":  3 << 29,
		"0.25M": 256 << 10,
		" 8K ":  8 << 10,
	} {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, in := range []string{"", "B", "K", "KiB", "fast", "-1", "-2M", "1.2.3K", "10X"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
