package merge

import (
	"sort"
	"strings"
	"time"
)

// ValueKind selects which member of a Value is meaningful and which
// equality the decision table applies.
type ValueKind int

const (
	// KindText is free text, compared exactly.
	KindText ValueKind = iota
	// KindScalar is a short single value (status, assignee), compared exactly.
	KindScalar
	// KindSet is a string set, compared order-insensitively.
	KindSet
	// KindTime is a timestamp, compared after UTC normalization.
	KindTime
)

// Value is a field value in a form the decision table can compare without
// knowing the record schema. The zero Value is the absent/empty value for
// every kind, which is what makes the table null-safe.
type Value struct {
	Kind ValueKind
	Str  string
	Set  []string
	Time time.Time
}

// Text wraps a free-text field value.
func Text(s string) Value {
	return Value{Kind: KindText, Str: s}
}

// Scalar wraps a short scalar field value.
func Scalar(s string) Value {
	return Value{Kind: KindScalar, Str: s}
}

// StringSet wraps a set-valued field. The input slice is copied.
func StringSet(items []string) Value {
	return Value{Kind: KindSet, Set: append([]string(nil), items...)}
}

// Timestamp wraps a time field value.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTime, Time: t}
}

// IsZero reports whether the value is empty/absent for its kind.
func (v Value) IsZero() bool {
	switch v.Kind {
	case KindSet:
		return len(v.Set) == 0
	case KindTime:
		return v.Time.IsZero()
	default:
		return v.Str == ""
	}
}

// Equal compares two values under the receiver's kind. Empty and missing
// are the same thing, so a zero Value of one kind equals a zero Value of
// another.
func (v Value) Equal(o Value) bool {
	if v.IsZero() || o.IsZero() {
		return v.IsZero() == o.IsZero()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindSet:
		return setsEqual(v.Set, o.Set)
	case KindTime:
		return v.Time.UTC().Equal(o.Time.UTC())
	default:
		return v.Str == o.Str
	}
}

// SortedSet returns the set member sorted and deduplicated.
// Only meaningful for KindSet values.
func (v Value) SortedSet() []string {
	out := append([]string(nil), v.Set...)
	sort.Strings(out)
	return dedupe(out)
}

// String renders the value for reports and conflict prompts.
func (v Value) String() string {
	switch v.Kind {
	case KindSet:
		return strings.Join(v.SortedSet(), ", ")
	case KindTime:
		if v.Time.IsZero() {
			return ""
		}
		return v.Time.UTC().Format(time.RFC3339)
	default:
		return v.Str
	}
}

func setsEqual(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	as, bs = dedupe(as), dedupe(bs)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// dedupe removes adjacent duplicates from a sorted slice.
func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
