package bitmap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/filter"
)

// node mirrors a filter tree with leaf indexes at the leaves
type node struct {
	kind     filter.Kind
	children []*node
	leaf     *Leaf
}

// bits evaluates the subtree into a bitmap the caller owns
func (n *node) bits(universe *roaring64.Bitmap) *roaring64.Bitmap {
	switch n.kind {
	case filter.KindLeaf:
		return n.leaf.ReadSnapshot().Clone()
	case filter.KindAll:
		return universe.Clone()
	case filter.KindNone:
		return roaring64.New()
	case filter.KindNot:
		out := universe.Clone()
		out.AndNot(n.children[0].bits(universe))
		return out
	case filter.KindAnd:
		out := n.children[0].bits(universe)
		for _, c := range n.children[1:] {
			out.And(c.bits(universe))
		}
		return out
	case filter.KindOr:
		out := roaring64.New()
		for _, c := range n.children {
			out.Or(c.bits(universe))
		}
		return out
	}
	panic(fmt.Sprintf("bitmap: unknown filter kind %v", n.kind))
}

// quickLeaves returns the leaves to AND when the tree is a conjunction of
// leaves, or ok=false
func (n *node) quickLeaves() (leaves []*Leaf, ok bool) {
	switch n.kind {
	case filter.KindAll:
		return nil, true
	case filter.KindLeaf:
		return []*Leaf{n.leaf}, true
	case filter.KindAnd:
		for _, c := range n.children {
			if c.kind != filter.KindLeaf {
				return nil, false
			}
			leaves = append(leaves, c.leaf)
		}
		return leaves, true
	}
	return nil, false
}

func (n *node) collect(out []*Leaf) []*Leaf {
	if n.leaf != nil {
		return append(out, n.leaf)
	}
	for _, c := range n.children {
		out = c.collect(out)
	}
	return out
}

// rebuild is the token of a rebuild in flight
type rebuild struct {
	done chan struct{}
	err  error
}

// Composite evaluates a filter under a strategy by combining leaf indexes.
// Results are always restricted to the strategy's current heads.
type Composite struct {
	mgr      *Manager
	filter   *filter.Filter
	strategy revstore.Strategy
	root     *node
	last     *Leaf

	rebuilding atomic.Pointer[rebuild]
	rebuilds   atomic.Int64
	waiters    atomic.Int32
}

// Build creates the index tree for f under strategy, building any leaf
// index it needs.
func Build(ctx context.Context, mgr *Manager, f *filter.Filter, strategy revstore.Strategy) (*Composite, error) {
	mgr.updateMu.RLock()
	defer mgr.updateMu.RUnlock()
	return mgr.buildComposite(ctx, f, strategy)
}

func (m *Manager) buildComposite(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*Composite, error) {
	last, err := m.leafLocked(ctx, LastRevisionKey(strategy), nil)
	if err != nil {
		return nil, err
	}
	root, err := m.buildNode(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Composite{mgr: m, filter: f, strategy: strategy, root: root, last: last}, nil
}

func (m *Manager) buildNode(ctx context.Context, f *filter.Filter) (*node, error) {
	n := &node{kind: f.Kind}
	if f.Kind == filter.KindLeaf {
		leaf, err := m.leafLocked(ctx, FilterKey(f), f)
		if err != nil {
			return nil, err
		}
		n.leaf = leaf
		return n, nil
	}
	for _, c := range f.Children {
		child, err := m.buildNode(ctx, c)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	return n, nil
}

func (c *Composite) Filter() *filter.Filter      { return c.filter }
func (c *Composite) Strategy() revstore.Strategy { return c.strategy }
func (c *Composite) LastRevisionIndex() *Leaf    { return c.last }

// Leaves returns every leaf the composite reads, the head index included
func (c *Composite) Leaves() []*Leaf {
	return c.root.collect([]*Leaf{c.last})
}

// CanApplyQuick reports whether the tree is a conjunction of leaves
func (c *Composite) CanApplyQuick() bool {
	_, ok := c.root.quickLeaves()
	return ok
}

// evaluate returns the matching heads. Callers hold the manager read lock.
func (c *Composite) evaluate() *roaring64.Bitmap {
	candidates := c.last.ReadSnapshot().Clone()
	if leaves, ok := c.root.quickLeaves(); ok {
		return applyQuick(candidates, leaves)
	}
	return c.applyGeneral(candidates)
}

// applyQuick ANDs each leaf into candidates in place
func applyQuick(candidates *roaring64.Bitmap, leaves []*Leaf) *roaring64.Bitmap {
	for _, l := range leaves {
		if candidates.IsEmpty() {
			break
		}
		l.ApplyTo(candidates)
	}
	return candidates
}

// applyGeneral evaluates the whole tree over the universe of committed
// atom ids and intersects candidates with it
func (c *Composite) applyGeneral(candidates *roaring64.Bitmap) *roaring64.Bitmap {
	hi := c.mgr.log.MaxAtomID()
	if !candidates.IsEmpty() && candidates.Maximum() > hi {
		hi = candidates.Maximum()
	}
	universe := roaring64.New()
	universe.AddRange(1, hi+1)
	candidates.And(c.root.bits(universe))
	return candidates
}

// Rebuild rebuilds every leaf of the tree from Earliest. Only
// one rebuild runs per composite; concurrent callers wait for it and share
// its result.
func (c *Composite) Rebuild(ctx context.Context) error {
	mine := &rebuild{done: make(chan struct{})}
	for {
		if c.rebuilding.CompareAndSwap(nil, mine) {
			break
		}
		if cur := c.rebuilding.Load(); cur != nil {
			c.waiters.Add(1)
			select {
			case <-cur.done:
				c.waiters.Add(-1)
				return cur.err
			case <-ctx.Done():
				c.waiters.Add(-1)
				return ctx.Err()
			}
		}
	}
	defer func() {
		c.rebuilding.Store(nil)
		close(mine.done)
	}()

	start := time.Now()
	c.rebuilds.Add(1)
	for _, l := range c.Leaves() {
		if err := c.mgr.RebuildIndex(ctx, l); err != nil {
			mine.err = err
			break
		}
	}
	rebuilds.WithLabelValues("composite").Inc()
	rebuildDuration.Observe(time.Since(start).Seconds())
	return mine.err
}
