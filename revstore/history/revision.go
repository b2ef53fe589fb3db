package history

import (
	"fmt"
	"sort"

	"github.com/wbrown/janus-revstore/revstore"
)

// Order increments within one WCN. A transaction may put a copy, a regular
// revision and a closure on the same chain; they sort in that order.
const (
	orderScale     = 100
	orderCopy      = 0
	orderRegular   = 10
	orderClosure   = 20
	orderUnordered = -1
)

// Revision is an immutable snapshot of an artifact's attributes
type Revision struct {
	id         uint64
	wcn        revstore.WCN
	chain      uint64
	artifact   uint64
	prev       uint64
	copiedFrom uint64
	closure    bool
	relinked   bool
	deleted    bool
	full       bool
	values     map[revstore.Keyword]revstore.Value
}

func (r *Revision) ID() uint64          { return r.id }
func (r *Revision) WCN() revstore.WCN   { return r.wcn }
func (r *Revision) ChainID() uint64     { return r.chain }
func (r *Revision) ArtifactKey() uint64 { return r.artifact }
func (r *Revision) PrevID() uint64      { return r.prev }
func (r *Revision) CopiedFrom() uint64  { return r.copiedFrom }
func (r *Revision) IsClosure() bool     { return r.closure }
func (r *Revision) IsRelinkedClosure() bool {
	return r.closure && r.relinked
}
func (r *Revision) Deleted() bool { return r.deleted }

// IsChainStart reports whether r is the first revision of its chain
func (r *Revision) IsChainStart() bool {
	return r.id == r.chain
}

// VisibleAt reports whether a reader that has observed w sees r
func (r *Revision) VisibleAt(w revstore.WCN) bool {
	return r.wcn <= w
}

// Value returns the attribute under key
func (r *Revision) Value(key revstore.Keyword) (revstore.Value, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Values returns a copy of every attribute
func (r *Revision) Values() map[revstore.Keyword]revstore.Value {
	out := make(map[revstore.Keyword]revstore.Value, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Keys returns attribute keys in lexical order
func (r *Revision) Keys() []revstore.Keyword {
	keys := make([]revstore.Keyword, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// HasUserContent reports whether the revision carries any attribute
func (r *Revision) HasUserContent() bool {
	return len(r.values) > 0
}

// physicalOrder is the order of r within its physical chain
func (r *Revision) physicalOrder() int64 {
	inc := int64(orderRegular)
	switch {
	case r.closure:
		inc = orderClosure
	case r.copiedFrom != 0:
		inc = orderCopy
	}
	return int64(r.wcn)*orderScale + inc
}

func (r *Revision) String() string {
	return fmt.Sprintf("rev#%d@%s(chain %d)", r.id, r.wcn, r.chain)
}

// Diff returns the attributes that differ between from and to. Removed
// attributes map to nil. A nil from is treated as empty.
func Diff(from, to *Revision) map[revstore.Keyword]revstore.Value {
	out := make(map[revstore.Keyword]revstore.Value)
	var before map[revstore.Keyword]revstore.Value
	if from != nil {
		before = from.values
	}
	var after map[revstore.Keyword]revstore.Value
	if to != nil {
		after = to.values
	}
	for k, v := range after {
		if old, ok := before[k]; !ok || !revstore.ValuesEqual(old, v) {
			out[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out[k] = nil
		}
	}
	return out
}

// materialize builds a revision from its atom and, for delta atoms, the
// already materialized predecessor.
func materialize(a *revstore.Atom, prev *Revision) (*Revision, error) {
	if !IsRevisionAtom(a) {
		return nil, fmt.Errorf("atom %d is not a revision: %w", a.ID, revstore.ErrNotFound)
	}
	r := &Revision{
		id:         a.ID,
		wcn:        a.WCN,
		chain:      a.Ref(KwChain),
		artifact:   a.Ref(KwArtifact),
		prev:       a.Ref(KwPrev),
		copiedFrom: a.Ref(KwCopiedFrom),
		closure:    a.Bool(KwClosure),
		relinked:   a.Bool(KwRelinked),
		full:       a.Bool(KwFull),
	}
	if r.full {
		r.values = make(map[revstore.Keyword]revstore.Value)
	} else {
		if prev == nil {
			return nil, fmt.Errorf("revision %d: delta without predecessor: %w", a.ID, revstore.ErrInconsistent)
		}
		r.values = prev.Values()
		r.deleted = prev.deleted
	}
	if a.Has(KwDeleted) {
		r.deleted = a.Bool(KwDeleted)
	}
	for _, j := range a.Junctions {
		if j.Key == KwUnset {
			if kw, ok := j.Value.(revstore.Keyword); ok {
				delete(r.values, kw)
			}
			continue
		}
		if j.Key.IsSystem() {
			continue
		}
		r.values[j.Key] = j.Value
	}
	return r, nil
}
