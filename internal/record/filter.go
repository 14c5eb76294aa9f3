package record

// Filter selects records during query and watch operations. Zero-value
// fields match everything; Tags entries require at least one of the
// listed values to be present under the tag name.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// Matches reports whether the record satisfies every populated
// constraint of the filter.
func (f Filter) Matches(rec Record) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, rec.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, rec.Author) {
		return false
	}
	if f.Since > 0 && rec.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && rec.CreatedAt > f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		if !anyTagValue(rec, name, wanted) {
			return false
		}
	}
	return true
}

func anyTagValue(rec Record, name string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, value := range rec.TagValues(name) {
		if containsString(wanted, value) {
			return true
		}
	}
	return false
}

func containsInt(values []int, target int) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
