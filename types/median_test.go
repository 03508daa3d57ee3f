package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMedianTime(t *testing.T) {
	require := require.New(t)

	require.Zero(MedianTime(nil))
	require.EqualValues(5, MedianTime([]uint64{5}))
	require.EqualValues(3, MedianTime([]uint64{4, 1, 3}))
	require.EqualValues(4, MedianTime([]uint64{1, 4, 2, 9}), "upper median for even counts")

	input := []uint64{9, 1, 5}
	MedianTime(input)
	require.Equal([]uint64{9, 1, 5}, input, "input must not be reordered")
}

func TestMedianTimeWindow(t *testing.T) {
	require := require.New(t)

	for _, tc := range []struct {
		number, count, start, end uint64
	}{
		{0, 37, 0, 0},
		{10, 37, 0, 10},
		{36, 37, 0, 36},
		{37, 37, 1, 37},
		{100, 37, 64, 100},
		{5, 0, 5, 5},
	} {
		start, end := MedianTimeWindow(tc.number, tc.count)
		require.Equal(tc.start, start, "number %d count %d", tc.number, tc.count)
		require.Equal(tc.end, end, "number %d count %d", tc.number, tc.count)
	}
}
