package tree

import "sort"

// ListPolicy decides how two lists at the same path combine.
type ListPolicy int

const (
	// ListAppend concatenates dst then src.
	ListAppend ListPolicy = iota
	// ListReplace keeps src.
	ListReplace
	// ListUnion keeps each distinct element once, in canonical order.
	ListUnion
)

// ScalarPolicy decides how two differing non-map values combine.
type ScalarPolicy int

const (
	// ScalarReplace keeps src.
	ScalarReplace ScalarPolicy = iota
	// ScalarCollect keeps both as a list union.
	ScalarCollect
)

// Policy configures Merge.
type Policy struct {
	Lists   ListPolicy
	Scalars ScalarPolicy
}

var (
	// Override layers src over dst: lists extend, scalars are replaced.
	Override = Policy{Lists: ListAppend, Scalars: ScalarReplace}

	// Commutative is order independent: Merge(a, b) equals Merge(b, a), and
	// folding any permutation of documents gives the same result as long as
	// each path holds the same kind in every document.
	Commutative = Policy{Lists: ListUnion, Scalars: ScalarCollect}
)

// Merge combines src into dst and returns the result. Neither input is
// modified. Maps merge key by key; null never overwrites a value.
func Merge(dst, src Node, p Policy) Node {
	switch {
	case src.IsNull():
		return dst
	case dst.IsNull():
		return src
	case dst.kind == KindMap && src.kind == KindMap:
		out := Map(dst.fields)
		for k, sv := range src.fields {
			if dv, ok := out.fields[k]; ok {
				out.fields[k] = Merge(dv, sv, p)
			} else {
				out.fields[k] = sv
			}
		}
		return out
	case dst.kind == KindList && src.kind == KindList:
		switch p.Lists {
		case ListReplace:
			return src
		case ListUnion:
			return union(dst.list, src.list)
		default:
			return List(append(append([]Node(nil), dst.list...), src.list...)...)
		}
	}

	if dst.Equal(src) {
		return dst
	}
	if p.Scalars == ScalarReplace {
		return src
	}
	return union(flatten(dst), flatten(src))
}

func flatten(n Node) []Node {
	if n.kind == KindList {
		return n.list
	}
	return []Node{n}
}

func union(a, b []Node) Node {
	seen := make(map[string]Node, len(a)+len(b))
	for _, n := range a {
		seen[n.Canonical()] = n
	}
	for _, n := range b {
		seen[n.Canonical()] = n
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Node, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return Node{kind: KindList, list: out}
}

// MergeAll folds docs left to right with p.
func MergeAll(p Policy, docs ...Node) Node {
	var out Node
	for _, d := range docs {
		out = Merge(out, d, p)
	}
	return out
}
