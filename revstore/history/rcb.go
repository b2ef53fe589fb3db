package history

import (
	"errors"
	"fmt"

	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
)

// CreateArtifact starts a new artifact whose first revision is returned.
// The artifact key is that revision's id.
func (t *Transaction) CreateArtifact(branching bool) *RevisionCreator {
	c := t.newCreator(0, 0, snapshot{})
	c.branching = branching
	t.bind(c.artifact, 0, RefTypeMain, c.chain)
	return c
}

// bind writes a binder record. The verifier rejects the commit when
// another binder for the artifact committed first.
func (t *Transaction) bind(artifact, prevBinder uint64, refType revstore.Keyword, chain uint64) *revstore.Atom {
	b := t.txn.NewAtom()
	b.Add(KwBinderArtifact, revstore.Ref(artifact))
	if prevBinder != 0 {
		b.Add(KwBinderPrev, revstore.Ref(prevBinder))
	}
	b.Add(KwBinderRefType, refType)
	b.Add(KwBinderChainStart, revstore.Ref(chain))
	t.txn.AddVerifier(func(r atomlog.Reader) error {
		last, err := r.First(KwBinderArtifact, artifact)
		if err != nil {
			return err
		}
		if last != prevBinder {
			return fmt.Errorf("artifact %d: binder %d superseded by %d: %w", artifact, prevBinder, last, revstore.ErrCollision)
		}
		return nil
	})
	return b
}

// appendTo creates a creator on an existing chain after head. When head is
// pending in this transaction the same creator is reused; otherwise a
// verifier checks that head is still the chain's last revision at commit.
func (t *Transaction) appendTo(artifact uint64, chain *Chain, head *Revision) *RevisionCreator {
	if p := t.pendingHead(chain.id); p != nil {
		return p
	}
	c := t.newCreator(artifact, chain.id, revisionSnapshot(head))
	headID := head.ID()
	t.txn.AddVerifier(func(r atomlog.Reader) error {
		last, err := r.First(KwChain, chain.id)
		if err != nil {
			return err
		}
		if last == 0 {
			last = chain.id
		}
		if last != headID {
			return fmt.Errorf("chain %d: head %d superseded by %d: %w", chain.id, headID, last, revstore.ErrCollision)
		}
		return nil
	})
	return c
}

// headOf returns the state a new revision on chain would follow, taking
// revisions pending in tx into account
func (t *Transaction) headOf(chain *Chain) (snapshot, error) {
	if p := t.pendingHead(chain.id); p != nil {
		return p.snapshot(), nil
	}
	r, err := chain.Last()
	if err != nil {
		return snapshot{}, err
	}
	return revisionSnapshot(r), nil
}

// Change returns a creator for a new revision of the artifact under
// strategy. expectedBase, when non-zero, is the revision the caller's edit
// was prepared against.
//
// A local change on a branching artifact opens a new local chain when none
// is open: the chain starts with a copy of the main head and a begin link
// to it. Calling Change again for the same chain in one transaction returns
// the same creator.
func (a *Artifact) Change(tx *Transaction, strategy revstore.Strategy, expectedBase uint64) (*RevisionCreator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, err := a.chainsLocked()
	if err != nil {
		return nil, err
	}
	if a.resolve(strategy) == revstore.StrategyMainChain {
		return a.changeMain(tx, pc, expectedBase)
	}
	return a.changeLocal(tx, pc, expectedBase)
}

func (a *Artifact) changeMain(tx *Transaction, pc *PhysicalChains, expectedBase uint64) (*RevisionCreator, error) {
	if p := tx.pendingHead(pc.Main.id); p != nil {
		return p, nil
	}
	head, err := pc.Main.Last()
	if err != nil {
		return nil, err
	}
	if err := a.checkBase(expectedBase, head); err != nil {
		return nil, err
	}
	return tx.appendTo(a.key, pc.Main, head), nil
}

func (a *Artifact) changeLocal(tx *Transaction, pc *PhysicalChains, expectedBase uint64) (*RevisionCreator, error) {
	latest := pc.Latest()
	var prevLinks links
	if latest != nil {
		l, err := a.linksOf(latest)
		if err != nil {
			return nil, err
		}
		if !l.closed() {
			if p := tx.pendingHead(latest.id); p != nil {
				if p.closure {
					return nil, fmt.Errorf("artifact %d: local chain %d closed in this transaction: %w", a.key, latest.id, revstore.ErrConsistency)
				}
				return p, nil
			}
			head, err := latest.Last()
			if err != nil {
				return nil, err
			}
			if err := a.checkBase(expectedBase, head); err != nil {
				return nil, err
			}
			return tx.appendTo(a.key, latest, head), nil
		}
		prevLinks = l
	}

	mainHead, err := pc.Main.Last()
	if err != nil {
		return nil, err
	}
	if expectedBase != 0 {
		if err := a.checkOpeningBase(pc, expectedBase, prevLinks); err != nil {
			return nil, err
		}
	}
	if p := tx.pendingHead(pc.Main.id); p != nil {
		return nil, fmt.Errorf("artifact %d: cannot branch from a main revision pending in the same transaction: %w", a.key, revstore.ErrConsistency)
	}

	// The chain opens with a full copy of the main head so that diffs
	// against the chain origin show only local edits.
	cp := tx.newCreator(a.key, 0, revisionSnapshot(mainHead))
	cp.copiedFrom = mainHead.ID()
	tx.bind(a.key, pc.LastBinderID, RefTypeLocal, cp.chain)
	link := tx.txn.NewAtom()
	link.Add(KwLinkLocalChain, revstore.Ref(cp.chain))
	link.Add(KwLinkBegin, revstore.Ref(mainHead.ID()))
	tx.AfterCommit(func(revstore.WCN) { a.invalidate() })

	c := tx.newCreator(a.key, cp.chain, cp.snapshot())
	return c, nil
}

// checkBase handles an expected base on a chain that already has a head
func (a *Artifact) checkBase(expectedBase uint64, head *Revision) error {
	if expectedBase == 0 || expectedBase == head.ID() {
		return nil
	}
	if a.model.lenient {
		a.model.logger.Warn("stale base revision, using chain head",
			"artifact", a.key, "expected", expectedBase, "head", head.ID())
		return nil
	}
	return fmt.Errorf("artifact %d: expected base %d but chain head is %d: %w",
		a.key, expectedBase, head.ID(), revstore.ErrStaleBase)
}

// checkOpeningBase validates the base revision of an edit that opens a new
// local chain
func (a *Artifact) checkOpeningBase(pc *PhysicalChains, expectedBase uint64, prev links) error {
	illegal := func(reason string) error {
		return &revstore.IllegalBaseRevisionError{Artifact: a.key, Revision: expectedBase, Reason: reason}
	}
	base, err := a.model.Revision(expectedBase)
	if errors.Is(err, revstore.ErrNotFound) {
		return illegal("unknown revision")
	}
	if err != nil {
		return err
	}
	if base.ArtifactKey() != a.key {
		return illegal("revision belongs to another artifact")
	}
	if pc.localIndex(base.ChainID()) >= 0 {
		return illegal("revision is on a local chain")
	}
	if !pc.Main.Contains(base) {
		return illegal("revision is not on the main chain")
	}
	if prev.end != nil && base.physicalOrder() < prev.end.physicalOrder() {
		return illegal(fmt.Sprintf("revision is older than the last synchronization at %d", prev.end.ID()))
	}
	return nil
}

// CloseLocalChain synchronizes the open local chain with the main chain: a
// closure revision copies the main head onto the local chain and an end
// link records it. Closing without an open chain is a no-op.
func (a *Artifact) CloseLocalChain(tx *Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.branching {
		return nil
	}
	pc, err := a.chainsLocked()
	if err != nil {
		return err
	}
	latest := pc.Latest()
	if latest == nil {
		return nil
	}
	l, err := a.linksOf(latest)
	if err != nil {
		return err
	}
	if l.closed() {
		return nil
	}
	if p := tx.pendingHead(latest.id); p != nil && p.closure {
		return nil
	}
	mainHead, err := pc.Main.Last()
	if err != nil {
		return err
	}

	var closure *RevisionCreator
	if p := tx.pendingHead(latest.id); p != nil {
		closure = tx.newCreator(a.key, latest.id, p.snapshot())
	} else {
		head, err := latest.Last()
		if err != nil {
			return err
		}
		closure = tx.appendTo(a.key, latest, head)
	}
	closure.becomeCopyOf(mainHead)
	closure.closure = true

	link := tx.txn.NewAtom()
	link.Add(KwLinkLocalChain, revstore.Ref(latest.id))
	link.Add(KwLinkEnd, revstore.Ref(mainHead.ID()))
	return nil
}

// becomeCopyOf replaces the creator's content with a full copy of src
func (c *RevisionCreator) becomeCopyOf(src *Revision) {
	c.full = true
	c.copiedFrom = src.ID()
	c.values = src.Values()
	c.deleted = src.Deleted()
}

// HasOpenLocalBranch reports whether a local chain is open
func (a *Artifact) HasOpenLocalBranch() (bool, error) {
	open, _, err := a.openLocal()
	return open != nil, err
}

// openLocal returns the open local chain and its links, or nil
func (a *Artifact) openLocal() (*Chain, links, error) {
	if !a.branching {
		return nil, links{}, nil
	}
	pc, err := a.Chains()
	if err != nil {
		return nil, links{}, err
	}
	latest := pc.Latest()
	if latest == nil {
		return nil, links{}, nil
	}
	l, err := a.linksOf(latest)
	if err != nil || l.closed() {
		return nil, links{}, err
	}
	return latest, l, nil
}

// mergeBase returns the merge record in force for the open chain, ignoring
// records whose remote source is no longer on the main chain
func (a *Artifact) mergeBase(pc *PhysicalChains, open *Chain) (*merge, error) {
	m, err := a.lastMerge(open)
	if err != nil || m == nil {
		return nil, err
	}
	if !pc.Main.Contains(m.remote) {
		return nil, nil
	}
	return m, nil
}

// HasConflict reports whether a local chain is open and the main chain has
// moved past the last merge, or past the fork point when nothing was merged
func (a *Artifact) HasConflict() (bool, error) {
	open, l, err := a.openLocal()
	if err != nil || open == nil {
		return false, err
	}
	pc, err := a.Chains()
	if err != nil {
		return false, err
	}
	base := l.begin
	m, err := a.mergeBase(pc, open)
	if err != nil {
		return false, err
	}
	if m != nil {
		base = m.remote
	}
	head, err := pc.Main.Last()
	if err != nil {
		return false, err
	}
	return head.ID() != base.ID(), nil
}

// ConflictBase returns, on the chain selected by strategy, the revision of
// the most recent merge, or the fork point when nothing was merged. It is
// nil without an open local chain.
func (a *Artifact) ConflictBase(strategy revstore.Strategy) (*Revision, error) {
	open, l, err := a.openLocal()
	if err != nil || open == nil {
		return nil, err
	}
	pc, err := a.Chains()
	if err != nil {
		return nil, err
	}
	m, err := a.mergeBase(pc, open)
	if err != nil {
		return nil, err
	}
	if a.resolve(strategy) == revstore.StrategyMainChain {
		if m != nil {
			return m.remote, nil
		}
		return l.begin, nil
	}
	if m != nil {
		return m.local, nil
	}
	return open.First()
}

// ConflictChanges is the attribute diff from the conflict base to the head
// of the chain selected by strategy
func (a *Artifact) ConflictChanges(strategy revstore.Strategy) (map[revstore.Keyword]revstore.Value, error) {
	base, err := a.ConflictBase(strategy)
	if err != nil || base == nil {
		return nil, err
	}
	pc, err := a.Chains()
	if err != nil {
		return nil, err
	}
	var head *Revision
	if a.resolve(strategy) == revstore.StrategyMainChain {
		head, err = pc.Main.Last()
	} else {
		head, err = a.model.Chain(base.ChainID()).Last()
	}
	if err != nil {
		return nil, err
	}
	return Diff(base, head), nil
}

// MarkMerged records that localResult on the open local chain incorporates
// remoteSource from the main chain. Both must be at or after the previous
// merge.
func (a *Artifact) MarkMerged(tx *Transaction, remoteSource, localResult *Revision) error {
	return a.markMerged(tx, remoteSource, localResult.ID(), func(open *Chain, prev *merge) error {
		if !open.Contains(localResult) {
			return fmt.Errorf("local result %d is not on local chain %d", localResult.ID(), open.id)
		}
		if prev != nil && localResult.physicalOrder() < prev.local.physicalOrder() {
			return fmt.Errorf("local result %d is older than merged %d", localResult.ID(), prev.local.ID())
		}
		return nil
	})
}

// MarkMergedInto is MarkMerged for a local result still pending in tx, so
// the resolving edit and its merge record commit together. The creator
// must extend the open local chain.
func (a *Artifact) MarkMergedInto(tx *Transaction, remoteSource *Revision, localResult *RevisionCreator) error {
	return a.markMerged(tx, remoteSource, localResult.ID(), func(open *Chain, _ *merge) error {
		switch {
		case localResult.tx != tx:
			return fmt.Errorf("local result %d belongs to another transaction", localResult.ID())
		case localResult.artifact != a.key || localResult.chain != open.id:
			return fmt.Errorf("local result %d does not extend local chain %d", localResult.ID(), open.id)
		case localResult.closure:
			return fmt.Errorf("local result %d closes the chain", localResult.ID())
		}
		return nil
	})
}

// markMerged validates the remote side and the open chain, lets checkLocal
// validate the local side, then writes the merge record
func (a *Artifact) markMerged(tx *Transaction, remoteSource *Revision, localID uint64, checkLocal func(open *Chain, prev *merge) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	violation := func(format string, args ...interface{}) error {
		return fmt.Errorf("artifact %d: %s: %w", a.key, fmt.Sprintf(format, args...), revstore.ErrConsistency)
	}
	if !a.branching {
		return fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNoBranching)
	}
	pc, err := a.chainsLocked()
	if err != nil {
		return err
	}
	open := pc.Latest()
	if open == nil {
		return violation("no local chain")
	}
	l, err := a.linksOf(open)
	if err != nil {
		return err
	}
	if l.closed() {
		return violation("local chain %d is closed", open.id)
	}
	if !pc.Main.Contains(remoteSource) {
		return violation("remote source %d is not on the main chain", remoteSource.ID())
	}
	prev, err := a.mergeBase(pc, open)
	if err != nil {
		return err
	}
	if prev != nil && remoteSource.physicalOrder() < prev.remote.physicalOrder() {
		return violation("remote source %d is older than merged %d", remoteSource.ID(), prev.remote.ID())
	}
	if err := checkLocal(open, prev); err != nil {
		return violation("%v", err)
	}
	rec := tx.txn.NewAtom()
	rec.Add(KwMergeLocalChain, revstore.Ref(open.id))
	rec.Add(KwMergeRemoteSource, revstore.Ref(remoteSource.ID()))
	rec.Add(KwMergeLocalResult, revstore.Ref(localID))
	return nil
}

// LocalChanges is the diff between the open chain's origin and its head
func (a *Artifact) LocalChanges() (map[revstore.Keyword]revstore.Value, error) {
	open, _, err := a.openLocal()
	if err != nil || open == nil {
		return nil, err
	}
	first, err := open.First()
	if err != nil {
		return nil, err
	}
	last, err := open.Last()
	if err != nil {
		return nil, err
	}
	return Diff(first, last), nil
}

// IsLocalRevision reports whether rev lies on one of the local chains
func (a *Artifact) IsLocalRevision(rev *Revision) (bool, error) {
	pc, err := a.Chains()
	if err != nil {
		return false, err
	}
	return pc.localIndex(rev.ChainID()) >= 0, nil
}

// LocalChainStart returns the first revision of rev's local chain, or nil
// when rev is not local
func (a *Artifact) LocalChainStart(rev *Revision) (*Revision, error) {
	local, err := a.IsLocalRevision(rev)
	if err != nil || !local {
		return nil, err
	}
	return a.model.Revision(rev.ChainID())
}
