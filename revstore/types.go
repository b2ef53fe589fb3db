package revstore

import (
	"fmt"
	"strings"
	"sync"
)

// Keyword names an attribute or a system junction, e.g. ":bug/status".
// Keywords are interned strings.
type Keyword struct {
	value string
}

var keywordIntern sync.Map // map[string]*Keyword

// NewKeyword returns the interned keyword for s
func NewKeyword(s string) Keyword {
	if val, ok := keywordIntern.Load(s); ok {
		return *val.(*Keyword)
	}
	kw := &Keyword{value: s}
	actual, _ := keywordIntern.LoadOrStore(s, kw)
	return *actual.(*Keyword)
}

// String returns the keyword string
func (k Keyword) String() string {
	return k.value
}

// Bytes returns the keyword as bytes
func (k Keyword) Bytes() []byte {
	return []byte(k.value)
}

// Compare orders keywords lexically
func (k Keyword) Compare(other Keyword) int {
	return strings.Compare(k.value, other.value)
}

// Namespace returns the part between ':' and '/', or "" when there is none
func (k Keyword) Namespace() string {
	s := strings.TrimPrefix(k.value, ":")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return ""
}

// IsSystem reports whether the keyword belongs to one of the reserved
// namespaces used for chain bookkeeping. System junctions are never
// reported as attributes.
func (k Keyword) IsSystem() bool {
	ns := k.Namespace()
	return ns == "rev" || strings.HasPrefix(ns, "rcb")
}

// Ref is a reference to another atom by id.
type Ref uint64

// Junction is a single typed key/value fact carried by an atom.
type Junction struct {
	Key   Keyword
	Value Value
}

func (j Junction) String() string {
	return fmt.Sprintf("%s=%v", j.Key, j.Value)
}

// Atom is an immutable record of the append-only log. Atom ids ascend in
// allocation order; WCN is the commit the atom belongs to.
type Atom struct {
	ID        uint64
	WCN       WCN
	Junctions []Junction
}

// Add appends a junction. Only valid before the atom is committed.
func (a *Atom) Add(key Keyword, value Value) {
	a.Junctions = append(a.Junctions, Junction{Key: key, Value: value})
}

// Value returns the first value stored under key
func (a *Atom) Value(key Keyword) (Value, bool) {
	for _, j := range a.Junctions {
		if j.Key == key {
			return j.Value, true
		}
	}
	return nil, false
}

// Values returns every value stored under key, in insertion order
func (a *Atom) Values(key Keyword) []Value {
	var out []Value
	for _, j := range a.Junctions {
		if j.Key == key {
			out = append(out, j.Value)
		}
	}
	return out
}

// Has reports whether the atom carries key
func (a *Atom) Has(key Keyword) bool {
	_, ok := a.Value(key)
	return ok
}

// Ref returns the atom reference under key, or 0
func (a *Atom) Ref(key Keyword) uint64 {
	v, ok := a.Value(key)
	if !ok {
		return 0
	}
	if r, ok := v.(Ref); ok {
		return uint64(r)
	}
	return 0
}

// Int returns the integer under key
func (a *Atom) Int(key Keyword) (int64, bool) {
	v, ok := a.Value(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// Bool returns the boolean under key, false when absent
func (a *Atom) Bool(key Keyword) bool {
	v, ok := a.Value(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// KeywordValue returns the keyword stored under key
func (a *Atom) KeywordValue(key Keyword) (Keyword, bool) {
	v, ok := a.Value(key)
	if !ok {
		return Keyword{}, false
	}
	kw, ok := v.(Keyword)
	return kw, ok
}

func (a *Atom) String() string {
	parts := make([]string, len(a.Junctions))
	for i, j := range a.Junctions {
		parts[i] = j.String()
	}
	return fmt.Sprintf("atom#%d@%s{%s}", a.ID, a.WCN, strings.Join(parts, " "))
}

// Strategy selects which chain of an artifact a query or a mutation targets.
type Strategy uint8

const (
	// StrategyDefault is the local view for branching artifacts and the
	// main chain otherwise.
	StrategyDefault Strategy = iota
	// StrategyMainChain is the remotely synchronized history.
	StrategyMainChain
	// StrategyLocal is the main chain overlaid with local edits.
	StrategyLocal
)

// Strategies lists every strategy
var Strategies = []Strategy{StrategyDefault, StrategyMainChain, StrategyLocal}

func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyMainChain:
		return "main"
	case StrategyLocal:
		return "local"
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy parses the output of Strategy.String
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "default", "":
		return StrategyDefault, nil
	case "main", "mainchain", "main-chain":
		return StrategyMainChain, nil
	case "local":
		return StrategyLocal, nil
	}
	return 0, fmt.Errorf("unknown chain strategy %q", s)
}
