package types

import "sort"

// MedianTime returns the median of the given block timestamps, taking the
// upper element for even counts. The input is not modified.
func MedianTime(timestamps []uint64) uint64 {
	if len(timestamps) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// MedianTimeWindow returns the inclusive range of block numbers whose
// timestamps make up the median time of block number, given the consensus
// median_time_block_count.
func MedianTimeWindow(number, count uint64) (uint64, uint64) {
	if count == 0 {
		count = 1
	}
	if number+1 < count {
		return 0, number
	}
	return number + 1 - count, number
}
