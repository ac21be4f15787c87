// Package tree merges loosely typed metadata documents. Values decoded from
// JSON or YAML are lifted into Node, a tagged union of scalar, list and map,
// so merge rules can be stated per kind instead of per Go type.
package tree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a Node.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindList
	KindMap
)

// Node is one value of a document tree.
type Node struct {
	kind   Kind
	scalar any
	list   []Node
	fields map[string]Node
}

// Scalar wraps a leaf value (string, number, bool).
func Scalar(v any) Node {
	if v == nil {
		return Node{}
	}
	return Node{kind: KindScalar, scalar: v}
}

// List builds a list node.
func List(items ...Node) Node {
	return Node{kind: KindList, list: append([]Node(nil), items...)}
}

// Map builds a map node.
func Map(fields map[string]Node) Node {
	m := make(map[string]Node, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Node{kind: KindMap, fields: m}
}

// EmptyMap returns a map node with no fields.
func EmptyMap() Node { return Node{kind: KindMap, fields: map[string]Node{}} }

// FromAny lifts a decoded JSON/YAML value.
func FromAny(v any) Node {
	switch x := v.(type) {
	case nil:
		return Node{}
	case Node:
		return x
	case map[string]any:
		m := make(map[string]Node, len(x))
		for k, e := range x {
			m[k] = FromAny(e)
		}
		return Node{kind: KindMap, fields: m}
	case map[any]any:
		m := make(map[string]Node, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = FromAny(e)
		}
		return Node{kind: KindMap, fields: m}
	case []any:
		l := make([]Node, len(x))
		for i, e := range x {
			l[i] = FromAny(e)
		}
		return Node{kind: KindList, list: l}
	case []string:
		l := make([]Node, len(x))
		for i, e := range x {
			l[i] = Scalar(e)
		}
		return Node{kind: KindList, list: l}
	case []map[string]any:
		l := make([]Node, len(x))
		for i, e := range x {
			l[i] = FromAny(e)
		}
		return Node{kind: KindList, list: l}
	default:
		return Scalar(x)
	}
}

// Kind returns the node's tag.
func (n Node) Kind() Kind { return n.kind }

// IsNull reports an absent value.
func (n Node) IsNull() bool { return n.kind == KindNull }

// Any lowers the node back to plain Go values.
func (n Node) Any() any {
	switch n.kind {
	case KindScalar:
		return n.scalar
	case KindList:
		out := make([]any, len(n.list))
		for i, e := range n.list {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(n.fields))
		for k, e := range n.fields {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// AsMap lowers a map node; other kinds yield nil.
func (n Node) AsMap() map[string]any {
	if n.kind != KindMap {
		return nil
	}
	return n.Any().(map[string]any)
}

// Items returns the elements of a list node.
func (n Node) Items() []Node {
	if n.kind != KindList {
		return nil
	}
	return append([]Node(nil), n.list...)
}

// Keys returns the sorted field names of a map node.
func (n Node) Keys() []string {
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field returns a direct child of a map node.
func (n Node) Field(key string) (Node, bool) {
	if n.kind != KindMap {
		return Node{}, false
	}
	v, ok := n.fields[key]
	return v, ok
}

// Canonical returns a stable encoding used for equality and ordering.
func (n Node) Canonical() string {
	b, err := json.Marshal(n.Any())
	if err != nil {
		return fmt.Sprintf("%#v", n.Any())
	}
	return string(b)
}

// Equal compares two nodes by value.
func (n Node) Equal(o Node) bool { return n.Canonical() == o.Canonical() }

// Get resolves a dotted path. Numeric segments index into lists.
func Get(n Node, path string) (Node, bool) {
	if path == "" {
		return n, true
	}
	cur := n
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.fields[seg]
			if !ok {
				return Node{}, false
			}
			cur = next
		case KindList:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.list) {
				return Node{}, false
			}
			cur = cur.list[i]
		default:
			return Node{}, false
		}
	}
	return cur, true
}

// Set returns a copy of n with v stored at the dotted path. Missing or
// non-map intermediate nodes are replaced by maps.
func Set(n Node, path string, v Node) Node {
	if path == "" {
		return v
	}
	seg, rest, _ := strings.Cut(path, ".")
	out := EmptyMap()
	if n.kind == KindMap {
		out = Map(n.fields)
	}
	child := out.fields[seg]
	if rest == "" {
		out.fields[seg] = v
	} else {
		out.fields[seg] = Set(child, rest, v)
	}
	return out
}
