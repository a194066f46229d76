package baseline

import (
	"sort"
)

// Range is a half-open image-address interval.
type Range struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// AllowList holds image-address ranges that are legitimately modified at
// run time and must never be reported or rewritten.
type AllowList struct {
	ranges []Range
}

// NewAllowList merges explicit ranges with the extents of named symbols in
// ref. Symbols absent from ref are returned so the caller can log them.
func NewAllowList(ranges []Range, symbols []string, ref *Reference) (*AllowList, []string) {
	all := make([]Range, 0, len(ranges)+len(symbols))
	for _, r := range ranges {
		if r.End > r.Start {
			all = append(all, r)
		}
	}

	var missing []string
	for _, name := range symbols {
		if ref == nil {
			missing = append(missing, name)
			continue
		}
		sym, ok := ref.Lookup(name)
		if !ok || sym.Size == 0 {
			missing = append(missing, name)
			continue
		}
		all = append(all, Range{Start: sym.Value, End: sym.Value + sym.Size})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	var merged []Range
	for _, r := range all {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return &AllowList{ranges: merged}, missing
}

// Contains reports whether image address v is allow-listed.
func (a *AllowList) Contains(v uint64) bool {
	if a == nil {
		return false
	}
	i := sort.Search(len(a.ranges), func(i int) bool { return a.ranges[i].End > v })
	return i < len(a.ranges) && v >= a.ranges[i].Start
}

// Ranges returns the merged ranges.
func (a *AllowList) Ranges() []Range {
	if a == nil {
		return nil
	}
	return append([]Range(nil), a.ranges...)
}
