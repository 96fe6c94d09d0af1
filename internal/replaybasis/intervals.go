package replaybasis

import (
	"sort"

	"github.com/veritas-labs/datasmith-go/internal/domain"
)

// Interval is an inclusive integer offset range.
type Interval struct {
	Start int64
	End   int64
}

func (i Interval) Length() int64 {
	if i.End < i.Start {
		return 0
	}
	return i.End - i.Start + 1
}

// SourceInterval is an interval tagged with the source that covers it.
type SourceInterval struct {
	Source domain.ObservationSource
	Interval
}

// Merge collapses a set of intervals into maximal disjoint runs, merging
// overlapping and adjacent intervals. The result is sorted by start.
func Merge(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End < iv.Start {
			continue
		}
		sorted = append(sorted, iv)
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start != sorted[b].Start {
			return sorted[a].Start < sorted[b].Start
		}
		return sorted[a].End < sorted[b].End
	})
	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End+1 {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intersect clips intervals to a target range. Every returned interval is a
// sub-range of target.
func Intersect(intervals []Interval, target Interval) []Interval {
	if target.End < target.Start {
		return nil
	}
	out := make([]Interval, 0, len(intervals))
	for _, iv := range Merge(intervals) {
		if iv.End < target.Start || iv.Start > target.End {
			continue
		}
		clipped := Interval{Start: max64(iv.Start, target.Start), End: min64(iv.End, target.End)}
		out = append(out, clipped)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Subtract returns the sub-ranges of target not covered by covers.
func Subtract(target Interval, covers []Interval) []Interval {
	if target.End < target.Start {
		return nil
	}
	remaining := []Interval{target}
	for _, cover := range Merge(covers) {
		next := make([]Interval, 0, len(remaining)+1)
		for _, rem := range remaining {
			if cover.End < rem.Start || cover.Start > rem.End {
				next = append(next, rem)
				continue
			}
			if cover.Start > rem.Start {
				next = append(next, Interval{Start: rem.Start, End: cover.Start - 1})
			}
			if cover.End < rem.End {
				next = append(next, Interval{Start: cover.End + 1, End: rem.End})
			}
		}
		remaining = next
	}
	if len(remaining) == 0 {
		return nil
	}
	return remaining
}

// MergeSameSource merges adjacent or overlapping selected ranges that share a
// source, preserving order by start offset.
func MergeSameSource(ranges []SourceInterval) []SourceInterval {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]SourceInterval, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start != sorted[b].Start {
			return sorted[a].Start < sorted[b].Start
		}
		return sorted[a].Source < sorted[b].Source
	})
	out := []SourceInterval{sorted[0]}
	for _, sr := range sorted[1:] {
		last := &out[len(out)-1]
		if sr.Source == last.Source && sr.Start <= last.End+1 {
			if sr.End > last.End {
				last.End = sr.End
			}
			continue
		}
		out = append(out, sr)
	}
	return out
}

func totalLength(intervals []Interval) int64 {
	var total int64
	for _, iv := range intervals {
		total += iv.Length()
	}
	return total
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
