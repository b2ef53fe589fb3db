package filter

import (
	"sort"
	"strings"

	"github.com/wbrown/janus-revstore/revstore"
)

type eqPred struct {
	key   revstore.Keyword
	value revstore.Value
}

// Eq accepts revisions whose attribute key equals v
func Eq(key revstore.Keyword, v revstore.Value) *Filter {
	return Leaf(eqPred{key: key, value: revstore.Normalize(v)})
}

func (p eqPred) Key() string {
	return "(= " + p.key.String() + " " + revstore.FormatValue(p.value) + ")"
}

func (p eqPred) Accept(a Attributes) bool {
	v, ok := a.Value(p.key)
	return ok && revstore.ValuesEqual(v, p.value)
}

type hasPred struct {
	key revstore.Keyword
}

// Has accepts revisions that carry attribute key
func Has(key revstore.Keyword) *Filter {
	return Leaf(hasPred{key: key})
}

func (p hasPred) Key() string {
	return "(has " + p.key.String() + ")"
}

func (p hasPred) Accept(a Attributes) bool {
	_, ok := a.Value(p.key)
	return ok
}

type deletedPred struct{}

// Deleted accepts revisions flagged deleted
func Deleted() *Filter {
	return Leaf(deletedPred{})
}

func (deletedPred) Key() string {
	return "(deleted)"
}

func (deletedPred) Accept(a Attributes) bool {
	return a.Deleted()
}

type inPred struct {
	key      revstore.Keyword
	values   []revstore.Value
	rendered string
}

// In accepts revisions whose attribute key equals any of vs
func In(key revstore.Keyword, vs ...revstore.Value) *Filter {
	p := inPred{key: key}
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		v = revstore.Normalize(v)
		p.values = append(p.values, v)
		parts = append(parts, revstore.FormatValue(v))
	}
	sort.Strings(parts)
	p.rendered = "(in " + key.String() + " " + strings.Join(parts, " ") + ")"
	return Leaf(p)
}

func (p inPred) Key() string {
	return p.rendered
}

func (p inPred) Accept(a Attributes) bool {
	v, ok := a.Value(p.key)
	if !ok {
		return false
	}
	for _, candidate := range p.values {
		if revstore.ValuesEqual(v, candidate) {
			return true
		}
	}
	return false
}

type funcPred struct {
	key string
	fn  func(Attributes) bool
}

// Func wraps an arbitrary test. The caller guarantees that key uniquely
// identifies fn; indexes built for one function are reused for any other
// function registered under the same key.
func Func(key string, fn func(Attributes) bool) *Filter {
	return Leaf(funcPred{key: "(fn " + key + ")", fn: fn})
}

func (p funcPred) Key() string {
	return p.key
}

func (p funcPred) Accept(a Attributes) bool {
	return p.fn(a)
}
