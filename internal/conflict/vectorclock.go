package conflict

// Clock is a per-peer monotone counter map used to order concurrent
// writes (spec ยง3.1 "Vector clock").
type Clock map[string]int64

// Relation classifies how two vector clocks relate (spec ยง4.n).
type Relation int

// Possible clock relations.
const (
	RelationEqual Relation = iota
	RelationAncestor
	RelationDescendant
	RelationConcurrent
)

// Compare classifies local relative to remote: Equal if every entry
// matches, Ancestor if local <= remote on every key with at least one
// strict inequality, Descendant if the reverse holds, Concurrent
// otherwise (spec ยง4.n).
func Compare(local, remote Clock) Relation {
	localLessOrEqual := true
	remoteLessOrEqual := true

	keys := map[string]bool{}
	for k := range local {
		keys[k] = true
	}

	for k := range remote {
		keys[k] = true
	}

	for k := range keys {
		l := local[k]
		r := remote[k]

		if l > r {
			localLessOrEqual = false
		}

		if r > l {
			remoteLessOrEqual = false
		}
	}

	switch {
	case localLessOrEqual && remoteLessOrEqual:
		return RelationEqual
	case localLessOrEqual:
		return RelationAncestor
	case remoteLessOrEqual:
		return RelationDescendant
	default:
		return RelationConcurrent
	}
}

// Merge returns the pointwise max of a and b (spec ยง3.1 "merged
// pointwise by max").
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))

	for k, v := range a {
		out[k] = v
	}

	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}

	return out
}

// Increment returns a copy of c with peerID's counter incremented by one.
func Increment(c Clock, peerID string) Clock {
	out := make(Clock, len(c)+1)
	for k, v := range c {
		out[k] = v
	}

	out[peerID]++

	return out
}

// Clone returns a shallow copy of c.
func Clone(c Clock) Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}

	return out
}
