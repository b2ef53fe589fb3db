package history

import (
	"fmt"
	"sync"

	"github.com/wbrown/janus-revstore/revstore"
)

// ChainView is an artifact's history as seen under one strategy. The main
// view is the main chain. The local view is the main chain with each local
// chain spliced in: a local chain's copy replaces the main revision it was
// copied from, and a main revision a local chain was closed at follows that
// chain's closure.
type ChainView struct {
	artifact *Artifact
	chains   *PhysicalChains
	local    bool

	linkMu sync.Mutex
	links  map[uint64]links

	once    sync.Once
	members []*Revision // oldest first
	orders  map[uint64]int64
	err     error
}

// IsLocal reports whether this is a local view
func (v *ChainView) IsLocal() bool {
	return v.local
}

// Chains returns the snapshot the view was built from
func (v *ChainView) Chains() *PhysicalChains {
	return v.chains
}

// Last returns the head of the view
func (v *ChainView) Last() (*Revision, error) {
	if v.local {
		if latest := v.chains.Latest(); latest != nil {
			l, err := v.linksOf(latest)
			if err != nil {
				return nil, err
			}
			if !l.closed() {
				return latest.Last()
			}
		}
	}
	return v.chains.Main.Last()
}

// Previous returns the revision before rev in this view, or nil at the
// start of history
func (v *ChainView) Previous(rev *Revision) (*Revision, error) {
	if !v.local {
		return v.physicalPrev(rev)
	}
	if i := v.chains.localIndex(rev.ChainID()); i >= 0 {
		if !rev.IsChainStart() {
			return v.physicalPrev(rev)
		}
		l, err := v.linksOf(v.chains.Locals[i])
		if err != nil {
			return nil, err
		}
		// The copy stands in for the main revision it was copied from.
		return v.mainPrevious(l.begin, i)
	}
	return v.mainPrevious(rev, len(v.chains.Locals))
}

// mainPrevious finds the predecessor of main revision rev considering only
// local chains older than bound. The newest of them closed at rev supplies
// its closure.
func (v *ChainView) mainPrevious(rev *Revision, bound int) (*Revision, error) {
	for i := bound - 1; i >= 0; i-- {
		c := v.chains.Locals[i]
		l, err := v.linksOf(c)
		if err != nil {
			return nil, err
		}
		if l.end != nil && l.end.ID() == rev.ID() {
			return c.Last()
		}
	}
	return v.physicalPrev(rev)
}

func (v *ChainView) linksOf(c *Chain) (links, error) {
	v.linkMu.Lock()
	defer v.linkMu.Unlock()
	if l, ok := v.links[c.id]; ok {
		return l, nil
	}
	l, err := v.artifact.linksOf(c)
	if err != nil {
		return l, err
	}
	if v.links == nil {
		v.links = make(map[uint64]links)
	}
	v.links[c.id] = l
	return l, nil
}

func (v *ChainView) physicalPrev(rev *Revision) (*Revision, error) {
	if rev.PrevID() == 0 {
		return nil, nil
	}
	return v.artifact.model.Revision(rev.PrevID())
}

// load walks the view once from the head and assigns orders
func (v *ChainView) load() {
	v.once.Do(func() {
		head, err := v.Last()
		if err != nil {
			v.err = err
			return
		}
		var newestFirst []*Revision
		seen := make(map[uint64]bool)
		for r := head; r != nil; {
			if seen[r.ID()] {
				v.err = &revstore.InconsistentError{Artifact: v.artifact.key, Problem: fmt.Sprintf("view cycle at revision %d", r.ID())}
				return
			}
			seen[r.ID()] = true
			newestFirst = append(newestFirst, r)
			if r, err = v.Previous(r); err != nil {
				v.err = err
				return
			}
		}
		v.members = make([]*Revision, len(newestFirst))
		v.orders = make(map[uint64]int64, len(newestFirst))
		var last int64 = -1
		for i := range newestFirst {
			r := newestFirst[len(newestFirst)-1-i]
			v.members[i] = r
			order := r.physicalOrder()
			if v.local && order <= last {
				order = last + 1
			}
			v.orders[r.ID()] = order
			last = order
		}
	})
}

// Revisions returns the view's revisions, oldest first
func (v *ChainView) Revisions() ([]*Revision, error) {
	v.load()
	if v.err != nil {
		return nil, v.err
	}
	out := make([]*Revision, len(v.members))
	copy(out, v.members)
	return out, nil
}

// Contains reports whether rev is part of this view
func (v *ChainView) Contains(rev *Revision) (bool, error) {
	if !v.local {
		return v.chains.Main.Contains(rev), nil
	}
	v.load()
	if v.err != nil {
		return false, v.err
	}
	_, ok := v.orders[rev.ID()]
	return ok, nil
}

// Order returns rev's position in the view, strictly increasing from the
// oldest revision, or -1 when rev is not part of the view
func (v *ChainView) Order(rev *Revision) (int64, error) {
	if !v.local {
		return v.chains.Main.Order(rev), nil
	}
	v.load()
	if v.err != nil {
		return orderUnordered, v.err
	}
	if o, ok := v.orders[rev.ID()]; ok {
		return o, nil
	}
	return orderUnordered, nil
}

// LastAt returns the view's latest revision committed at or before bound
func (v *ChainView) LastAt(bound revstore.WCN) (*Revision, error) {
	if !v.local {
		return v.chains.Main.LastAt(bound)
	}
	revs, err := v.Revisions()
	if err != nil {
		return nil, err
	}
	for i := len(revs) - 1; i >= 0; i-- {
		if revs[i].WCN() <= bound {
			return revs[i], nil
		}
	}
	return nil, nil
}
