package bulk

// Range is a half-open [Start, End) slice of the input list.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of items in the range.
func (r Range) Len() int { return r.End - r.Start }

// Partition splits n items into consecutive ranges of size; the last range
// may be shorter. size < 1 is treated as 1.
func Partition(n, size int) []Range {
	if size < 1 {
		size = 1
	}
	ranges := make([]Range, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}
