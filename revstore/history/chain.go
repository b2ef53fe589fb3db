package history

import (
	"github.com/wbrown/janus-revstore/revstore"
)

// Chain is a physical revision chain, identified by the id of its first
// revision. Every revision names its chain, so membership is O(1).
type Chain struct {
	model *Model
	id    uint64
}

func (c *Chain) ID() uint64 {
	return c.id
}

// First returns the chain's first revision
func (c *Chain) First() (*Revision, error) {
	return c.model.Revision(c.id)
}

// Last returns the most recently committed revision
func (c *Chain) Last() (*Revision, error) {
	id, err := c.model.log.First(KwChain, c.id)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return c.First()
	}
	return c.model.Revision(id)
}

// LastAt returns the latest revision with WCN <= bound, or nil when the
// chain did not exist yet. revstore.Latest means unbounded.
func (c *Chain) LastAt(bound revstore.WCN) (*Revision, error) {
	if bound == revstore.Latest {
		return c.Last()
	}
	ids, err := c.model.log.Search(KwChain, c.id)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r, err := c.model.Revision(id)
		if err != nil {
			return nil, err
		}
		if r.WCN() <= bound {
			return r, nil
		}
	}
	return nil, nil
}

// Contains reports whether rev belongs to this chain
func (c *Chain) Contains(rev *Revision) bool {
	return rev != nil && rev.ChainID() == c.id
}

// Revisions returns every revision, newest first
func (c *Chain) Revisions() ([]*Revision, error) {
	ids, err := c.model.log.Search(KwChain, c.id)
	if err != nil {
		return nil, err
	}
	out := make([]*Revision, 0, len(ids))
	for _, id := range ids {
		r, err := c.model.Revision(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Order returns the position of rev within the chain. Orders strictly
// increase along the chain and are not comparable across chains; -1 is
// returned for foreign revisions.
func (c *Chain) Order(rev *Revision) int64 {
	if !c.Contains(rev) {
		return orderUnordered
	}
	return rev.physicalOrder()
}
