// Package filter is a small boolean algebra over revision attributes.
//
// A Filter is a closed tagged variant: Leaf, And, Or, Not, All and None.
// Every filter has a stable textual Key used to name persisted indexes, and
// is evaluated by one recursive function, Accept.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wbrown/janus-revstore/revstore"
)

// Kind tags a filter node
type Kind uint8

const (
	KindLeaf Kind = iota
	KindAnd
	KindOr
	KindNot
	KindAll
	KindNone
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	case KindAll:
		return "all"
	case KindNone:
		return "none"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Attributes is the read-only view of a revision a filter needs
type Attributes interface {
	Value(key revstore.Keyword) (revstore.Value, bool)
	Deleted() bool
}

// Predicate is an atom-level test. Key must identify the predicate's
// behavior completely: two predicates with equal keys must accept the same
// revisions.
type Predicate interface {
	Key() string
	Accept(a Attributes) bool
}

// Filter is an immutable boolean expression
type Filter struct {
	Kind     Kind
	Children []*Filter
	Pred     Predicate

	key string
}

var (
	all  = &Filter{Kind: KindAll, key: "*"}
	none = &Filter{Kind: KindNone, key: "-"}
)

// All accepts every revision
func All() *Filter { return all }

// None accepts nothing
func None() *Filter { return none }

// Leaf wraps a predicate
func Leaf(p Predicate) *Filter {
	return &Filter{Kind: KindLeaf, Pred: p, key: p.Key()}
}

// And is the conjunction of fs. Nested conjunctions are flattened, All
// children dropped and any None child collapses the result.
func And(fs ...*Filter) *Filter {
	return combine(KindAnd, fs)
}

// Or is the disjunction of fs
func Or(fs ...*Filter) *Filter {
	return combine(KindOr, fs)
}

func combine(kind Kind, fs []*Filter) *Filter {
	identity, absorbing := KindAll, KindNone
	if kind == KindOr {
		identity, absorbing = KindNone, KindAll
	}
	var children []*Filter
	for _, f := range fs {
		switch {
		case f == nil || f.Kind == identity:
			continue
		case f.Kind == absorbing:
			return f
		case f.Kind == kind:
			children = append(children, f.Children...)
		default:
			children = append(children, f)
		}
	}
	switch len(children) {
	case 0:
		if kind == KindAnd {
			return All()
		}
		return None()
	case 1:
		return children[0]
	}
	// Children are ordered by key so that equivalent expressions written in
	// a different order share indexes.
	sort.SliceStable(children, func(i, j int) bool { return children[i].key < children[j].key })
	keys := make([]string, len(children))
	for i, c := range children {
		keys[i] = c.key
	}
	return &Filter{Kind: kind, Children: children, key: "(" + kind.String() + " " + strings.Join(keys, " ") + ")"}
}

// Not negates f
func Not(f *Filter) *Filter {
	switch f.Kind {
	case KindAll:
		return None()
	case KindNone:
		return All()
	case KindNot:
		return f.Children[0]
	}
	return &Filter{Kind: KindNot, Children: []*Filter{f}, key: "(not " + f.key + ")"}
}

// Key is the persistable identity of the expression
func (f *Filter) Key() string {
	return f.key
}

func (f *Filter) String() string {
	return f.key
}

// Accept evaluates the filter against one revision
func (f *Filter) Accept(a Attributes) bool {
	switch f.Kind {
	case KindAll:
		return true
	case KindNone:
		return false
	case KindLeaf:
		return f.Pred.Accept(a)
	case KindNot:
		return !f.Children[0].Accept(a)
	case KindAnd:
		for _, c := range f.Children {
			if !c.Accept(a) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range f.Children {
			if c.Accept(a) {
				return true
			}
		}
		return false
	}
	return false
}

// Leaves returns the distinct leaf filters of the expression
func (f *Filter) Leaves() []*Filter {
	seen := make(map[string]bool)
	var out []*Filter
	var walk func(*Filter)
	walk = func(n *Filter) {
		if n.Kind == KindLeaf {
			if !seen[n.key] {
				seen[n.key] = true
				out = append(out, n)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(f)
	return out
}
