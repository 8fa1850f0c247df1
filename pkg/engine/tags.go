package engine

import "strings"

// Tasks tagged "always" run regardless of the include filter; tasks tagged
// "never" run only when the filter names them explicitly.
const (
	TagAlways = "always"
	TagNever  = "never"
)

// TagFilter decides whether a task's tags admit it into the plan. Matching
// is case-insensitive.
type TagFilter struct {
	include map[string]struct{}
	skip    map[string]struct{}
}

// NewTagFilter builds a filter from --tags and --skip-tags values. Both
// empty means every task runs except those tagged never.
func NewTagFilter(include, skip []string) *TagFilter {
	f := &TagFilter{
		include: make(map[string]struct{}, len(include)),
		skip:    make(map[string]struct{}, len(skip)),
	}
	for _, t := range include {
		f.include[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range skip {
		f.skip[strings.ToLower(t)] = struct{}{}
	}
	return f
}

// Admits reports whether a task carrying the given tags should run.
func (f *TagFilter) Admits(tags []string) bool {
	lower := make([]string, len(tags))
	for i, t := range tags {
		lower[i] = strings.ToLower(t)
	}

	// Skip wins over everything, including always.
	for _, t := range lower {
		if _, ok := f.skip[t]; ok {
			return false
		}
	}

	for _, t := range lower {
		if t == TagAlways {
			return true
		}
	}

	if len(f.include) > 0 {
		for _, t := range lower {
			if _, ok := f.include[t]; ok {
				return true
			}
		}
		return false
	}

	// No include filter: untagged and normally tagged tasks run, never-tagged
	// tasks do not.
	for _, t := range lower {
		if t == TagNever {
			return false
		}
	}
	return true
}

// mergeTags concatenates tag lists, dropping duplicates case-insensitively
// while keeping first-seen order.
func mergeTags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, t := range list {
			key := strings.ToLower(t)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
