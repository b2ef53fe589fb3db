// Package bitmap maintains roaring bitmaps over atom ids that answer
// filter queries against artifact heads without scanning the log.
//
// A leaf index holds one bit per revision atom for a single predicate, or
// one bit per current head for a chain strategy. Composite indexes combine
// leaves along a filter tree. The Manager keeps leaves current as commits
// arrive, persists them, and rebuilds them when verification finds drift.
package bitmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
)

// Kind distinguishes the two leaf index flavors
type Kind uint8

const (
	// KindFilter has a bit for every revision atom its predicate accepts
	KindFilter Kind = iota
	// KindLastRevision has a bit for every artifact's current head
	KindLastRevision
)

func (k Kind) String() string {
	if k == KindLastRevision {
		return "last-revision"
	}
	return "filter"
}

const lastRevisionFilterKey = "LastRevision"

// IndexKey names a leaf index. Filter indexes hold the same bits under
// every strategy and are keyed by their filter alone; head indexes carry
// the strategy they follow.
type IndexKey struct {
	Filter   string
	Strategy revstore.Strategy
}

func (k IndexKey) String() string {
	if k.Filter != lastRevisionFilterKey {
		return k.Filter
	}
	return k.Filter + "@" + k.Strategy.String()
}

// FilterKey is the key of the index for a leaf filter
func FilterKey(f *filter.Filter) IndexKey {
	return IndexKey{Filter: f.Key()}
}

// LastRevisionKey is the key of the head index for strategy
func LastRevisionKey(s revstore.Strategy) IndexKey {
	return IndexKey{Filter: lastRevisionFilterKey, Strategy: s}
}

// Leaf is a single bitmap index.
//
// Bits are mutated under mu. Readers either take an immutable snapshot or
// AND their own bitmap against the live data while holding mu. A stale
// leaf keeps serving its old bits until a fresh build replaces them.
type Leaf struct {
	key   IndexKey
	kind  Kind
	pred  *filter.Filter
	model *history.Model

	mu        sync.Mutex
	data      *roaring64.Bitmap
	public    *roaring64.Bitmap // copy handed to readers, nil after a change
	watermark revstore.WCN
	dirty     bool
	built     bool
	stale     bool
}

func newFilterLeaf(model *history.Model, f *filter.Filter) *Leaf {
	return &Leaf{
		key:   FilterKey(f),
		kind:  KindFilter,
		pred:  f,
		model: model,
		data:  roaring64.New(),
	}
}

func newLastRevisionLeaf(model *history.Model, s revstore.Strategy) *Leaf {
	return &Leaf{
		key:   LastRevisionKey(s),
		kind:  KindLastRevision,
		model: model,
		data:  roaring64.New(),
	}
}

func (l *Leaf) Key() IndexKey { return l.key }
func (l *Leaf) Kind() Kind    { return l.kind }

// ReadSnapshot returns the current bits. The result is shared and must not
// be modified.
func (l *Leaf) ReadSnapshot() *roaring64.Bitmap {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.public == nil {
		l.public = l.data.Clone()
	}
	return l.public
}

// ApplyTo intersects bm with the index in place
func (l *Leaf) ApplyTo(bm *roaring64.Bitmap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bm.And(l.data)
}

// SetBit sets or clears the bit for atom id
func (l *Leaf) SetBit(id uint64, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(id, on)
}

func (l *Leaf) setLocked(id uint64, on bool) {
	var changed bool
	if on {
		changed = l.data.CheckedAdd(id)
	} else {
		changed = l.data.CheckedRemove(id)
	}
	if changed {
		l.dirty = true
		l.public = nil
	}
}

// AdvanceWatermark records that the index reflects every commit up to w.
// Regressions are ignored.
func (l *Leaf) AdvanceWatermark(w revstore.WCN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w <= l.watermark {
		return
	}
	l.watermark = w
	l.dirty = true
}

func (l *Leaf) Watermark() revstore.WCN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watermark
}

func (l *Leaf) IsDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Cardinality is the number of set bits
func (l *Leaf) Cardinality() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.GetCardinality()
}

// live reports whether the bits follow commits and may be saved
func (l *Leaf) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built && !l.stale
}

// current reports whether the index needs no roll-forward to reach tip
func (l *Leaf) current(tip revstore.WCN) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built && !l.stale && l.watermark >= tip
}

// load installs persisted data. A nil info leaves the index empty.
func (l *Leaf) load(info *IndexInfo) {
	if info == nil || info.Bits == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = info.Bits
	l.public = nil
	l.watermark = info.Watermark
	l.built = true
}

// invalidate makes the next roll-forward rebuild from Earliest. Readers
// keep the old bits until the rebuilt bitmap is installed.
func (l *Leaf) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = true
}

// persistState returns what a save should write and clears the dirty flag
func (l *Leaf) persistState() IndexInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.public == nil {
		l.public = l.data.Clone()
	}
	l.dirty = false
	return IndexInfo{Bits: l.public, Watermark: l.watermark}
}

func (l *Leaf) markDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// apply clears then sets bits in one critical section
func (l *Leaf) apply(c changes) {
	if c.empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range c.clear {
		l.setLocked(id, false)
	}
	for _, id := range c.set {
		l.setLocked(id, true)
	}
}

// install replaces the bits with a bitmap built through tip
func (l *Leaf) install(bm *roaring64.Bitmap, tip revstore.WCN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = bm
	l.public = nil
	l.watermark = tip
	l.built = true
	l.stale = false
	l.dirty = true
}

// changes is a batch of bit updates computed outside the leaf lock
type changes struct {
	set   []uint64
	clear []uint64
}

func (c changes) empty() bool {
	return len(c.set) == 0 && len(c.clear) == 0
}

func (c *changes) merge(o changes) {
	c.set = append(c.set, o.set...)
	c.clear = append(c.clear, o.clear...)
}

func (c changes) applyTo(bm *roaring64.Bitmap) {
	for _, id := range c.clear {
		bm.Remove(id)
	}
	for _, id := range c.set {
		bm.Add(id)
	}
}

// batch is one commit's relevant content
type batch struct {
	revisions []*history.Revision
	// touched are artifacts that got new revisions without structural
	// records; structural ones changed their binders or links.
	touched    map[uint64]*history.Artifact
	structural map[uint64]*history.Artifact
}

// update computes and applies the changes a commit at since causes
func (l *Leaf) update(b *batch, since revstore.WCN) error {
	var c changes
	switch l.kind {
	case KindFilter:
		for _, r := range b.revisions {
			if l.pred.Accept(r) {
				c.set = append(c.set, r.ID())
			}
		}
	case KindLastRevision:
		for key, art := range b.touched {
			if _, ok := b.structural[key]; ok {
				continue
			}
			ac, err := l.headChanges(art, since)
			if err != nil {
				return err
			}
			c.merge(ac)
		}
		for _, art := range b.structural {
			ac, err := l.fullHeadChanges(art)
			if err != nil {
				return err
			}
			c.merge(ac)
		}
	}
	l.apply(c)
	return nil
}

// headChanges sets the artifact's head and clears the view predecessors a
// new head retires, walking back to the first revision older than since
func (l *Leaf) headChanges(art *history.Artifact, since revstore.WCN) (changes, error) {
	var c changes
	view, err := art.Chain(l.key.Strategy)
	if err != nil {
		return c, err
	}
	head, err := view.Last()
	if err != nil || head == nil {
		return c, err
	}
	c.set = append(c.set, head.ID())
	for r := head; ; {
		if r, err = view.Previous(r); err != nil {
			return c, err
		}
		if r == nil {
			break
		}
		c.clear = append(c.clear, r.ID())
		if r.WCN() < since {
			break
		}
	}
	return c, nil
}

// fullHeadChanges clears every revision the artifact ever had and sets the
// current head
func (l *Leaf) fullHeadChanges(art *history.Artifact) (changes, error) {
	var c changes
	revs, err := art.CompleteRevisions()
	if err != nil {
		return c, err
	}
	for _, r := range revs {
		c.clear = append(c.clear, r.ID())
	}
	head, err := art.LastRevision(l.key.Strategy)
	if err != nil {
		return c, err
	}
	if head != nil {
		c.set = append(c.set, head.ID())
	}
	return c, nil
}

// rollForward catches the index up with the log tip by scanning the atoms
// committed after the watermark. An index that was never built, or went
// stale, is built from Earliest into a separate bitmap that replaces the
// old bits in one step.
func (l *Leaf) rollForward(ctx context.Context, log history.Log, notes *annotations.Collector) error {
	start := time.Now()
	tip := log.Tip()
	l.mu.Lock()
	fresh := !l.built || l.stale
	since := l.watermark
	if fresh {
		since = revstore.Earliest
	}
	l.mu.Unlock()
	if !fresh && since >= tip {
		return nil
	}

	var c changes
	affected := make(map[uint64]*history.Artifact)
	scanned := 0
	err := log.ScanBackward(ctx, since+1, func(a *revstore.Atom) error {
		scanned++
		switch l.kind {
		case KindFilter:
			if !history.IsRevisionAtom(a) {
				return nil
			}
			r, err := l.model.RevisionFromAtom(a)
			if err != nil {
				return err
			}
			if l.pred.Accept(r) {
				c.set = append(c.set, r.ID())
			}
		case KindLastRevision:
			art, ok, err := l.model.ArtifactOfAtom(a)
			if err != nil {
				return err
			}
			if ok {
				affected[art.Key()] = art
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("roll forward %s: %w", l.key, err)
	}
	for _, art := range affected {
		if err := ctx.Err(); err != nil {
			return err
		}
		ac, err := l.fullHeadChanges(art)
		if err != nil {
			return fmt.Errorf("roll forward %s: artifact %d: %w", l.key, art.Key(), err)
		}
		c.merge(ac)
	}

	event := annotations.IndexRolledForward
	if fresh {
		bm := roaring64.New()
		c.applyTo(bm)
		l.install(bm, tip)
		event = annotations.IndexBuilt
	} else {
		l.apply(c)
		l.AdvanceWatermark(tip)
	}
	notes.AddTiming(event, start, map[string]interface{}{
		"index":   l.key.String(),
		"atoms":   scanned,
		"bits":    l.Cardinality(),
		"through": tip,
	})
	return nil
}
