package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
)

// PhysicalChains is an immutable snapshot of which chains an artifact owns
type PhysicalChains struct {
	Main *Chain
	// Locals in creation order; the last one is the current local chain
	Locals []*Chain
	// Buried maps an incarnation number to the main chain it had
	Buried         map[int]*Chain
	Incarnation    int
	LastBinderID   uint64
	IncarnationWCN revstore.WCN
}

// Latest returns the most recent local chain, or nil
func (pc *PhysicalChains) Latest() *Chain {
	if len(pc.Locals) == 0 {
		return nil
	}
	return pc.Locals[len(pc.Locals)-1]
}

// localIndex returns the position of chain among the local chains, or -1
func (pc *PhysicalChains) localIndex(chain uint64) int {
	for i, c := range pc.Locals {
		if c.id == chain {
			return i
		}
	}
	return -1
}

// Artifact is a logical entity with one main chain and, when branching is
// enabled, local chains for unsynchronized edits.
type Artifact struct {
	model     *Model
	key       uint64
	branching bool

	// mu serializes branching operations and rescans
	mu     sync.Mutex
	dirty  atomic.Bool
	chains *PhysicalChains
	reinc  *reincarnation
}

func newArtifact(m *Model, key uint64, branching bool) *Artifact {
	a := &Artifact{model: m, key: key, branching: branching}
	a.dirty.Store(true)
	return a
}

// Key is the id of the artifact's first revision
func (a *Artifact) Key() uint64 {
	return a.key
}

// IsBranching reports whether the artifact supports local chains
func (a *Artifact) IsBranching() bool {
	return a.branching
}

func (a *Artifact) invalidate() {
	a.dirty.Store(true)
}

// Chains returns the current branching snapshot, rescanning binder records
// when they changed since the last call.
func (a *Artifact) Chains() (*PhysicalChains, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chainsLocked()
}

func (a *Artifact) chainsLocked() (*PhysicalChains, error) {
	if !a.dirty.Load() && a.chains != nil {
		return a.chains, nil
	}
	for attempt := 1; ; attempt++ {
		// Clear first: a binder committed during the scan sets the flag
		// again and the next call re-validates.
		a.dirty.Store(false)
		pc, err := a.rescan()
		if err == nil {
			a.chains = pc
			return pc, nil
		}
		a.dirty.Store(true)
		if !errors.Is(err, revstore.ErrInconsistent) {
			return nil, err
		}
		a.model.logger.Warn("artifact rescan found inconsistency", "artifact", a.key, "attempt", attempt, "error", err)
		if perr := a.model.policy.Handle(err, attempt); perr != nil {
			return nil, perr
		}
	}
}

// rescan walks the binder records newest first
func (a *Artifact) rescan() (*PhysicalChains, error) {
	start := time.Now()
	log := a.model.log
	id, err := log.First(KwBinderArtifact, a.key)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, &revstore.InconsistentError{Artifact: a.key, Problem: "no binder records"}
	}

	pc := &PhysicalChains{LastBinderID: id, Buried: make(map[int]*Chain)}
	var mains []*Chain
	var locals []*Chain
	seen := make(map[uint64]bool)
	for id != 0 {
		if seen[id] {
			return nil, &revstore.InconsistentError{Artifact: a.key, Binder: id, Problem: "binder cycle"}
		}
		seen[id] = true
		b, err := log.Atom(id)
		if errors.Is(err, revstore.ErrNotFound) {
			return nil, &revstore.InconsistentError{Artifact: a.key, Binder: id, Problem: "missing binder record"}
		}
		if err != nil {
			return nil, err
		}
		if b.Ref(KwBinderArtifact) != a.key {
			return nil, &revstore.InconsistentError{Artifact: a.key, Binder: id, Problem: "binder belongs to another artifact"}
		}
		chainStart := b.Ref(KwBinderChainStart)
		if chainStart == 0 {
			return nil, &revstore.InconsistentError{Artifact: a.key, Binder: id, Problem: "binder without chain"}
		}
		refType, _ := b.KeywordValue(KwBinderRefType)
		switch refType {
		case RefTypeMain:
			if len(mains) == 0 {
				pc.IncarnationWCN = b.WCN
			}
			mains = append(mains, a.model.Chain(chainStart))
		case RefTypeLocal:
			locals = append(locals, a.model.Chain(chainStart))
		default:
			return nil, &revstore.InconsistentError{Artifact: a.key, Binder: id, Problem: fmt.Sprintf("unknown reftype %q", refType)}
		}
		id = b.Ref(KwBinderPrev)
	}
	if len(mains) == 0 {
		return nil, &revstore.InconsistentError{Artifact: a.key, Problem: "no main chain"}
	}
	if pc.IncarnationWCN == revstore.Earliest {
		return nil, &revstore.InconsistentError{Artifact: a.key, Problem: "missing incarnation WCN"}
	}

	pc.Main = mains[0]
	pc.Incarnation = len(mains) - 1
	for i, c := range mains[1:] {
		pc.Buried[pc.Incarnation-1-i] = c
	}
	for i := len(locals) - 1; i >= 0; i-- {
		pc.Locals = append(pc.Locals, locals[i])
	}

	a.model.notes.AddTiming(annotations.RCBRescan, start, map[string]interface{}{
		"artifact":    a.key,
		"incarnation": pc.Incarnation,
		"locals":      len(pc.Locals),
	})
	return pc, nil
}

// Incarnation returns how many times the main chain has been replaced
func (a *Artifact) Incarnation() (int, error) {
	pc, err := a.Chains()
	if err != nil {
		return 0, err
	}
	return pc.Incarnation, nil
}

// BuriedChain returns the main chain the artifact had in incarnation n
func (a *Artifact) BuriedChain(n int) (*Chain, error) {
	pc, err := a.Chains()
	if err != nil {
		return nil, err
	}
	c, ok := pc.Buried[n]
	if !ok {
		return nil, fmt.Errorf("artifact %d incarnation %d: %w", a.key, n, revstore.ErrNotFound)
	}
	return c, nil
}

// LastIncarnationWCN is the WCN at which the current main chain was bound
func (a *Artifact) LastIncarnationWCN() (revstore.WCN, error) {
	pc, err := a.Chains()
	if err != nil {
		return 0, err
	}
	return pc.IncarnationWCN, nil
}

// CompleteRevisions returns every revision on the main, local and buried
// chains, plus an in-progress reincarnation chain.
func (a *Artifact) CompleteRevisions() ([]*Revision, error) {
	a.mu.Lock()
	pc, err := a.chainsLocked()
	var pendingChain uint64
	if a.reinc != nil {
		pendingChain = a.reinc.chain
	}
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	chains := []*Chain{pc.Main}
	chains = append(chains, pc.Locals...)
	for _, c := range pc.Buried {
		chains = append(chains, c)
	}
	if pendingChain != 0 {
		chains = append(chains, a.model.Chain(pendingChain))
	}
	var out []*Revision
	for _, c := range chains {
		revs, err := c.Revisions()
		if err != nil {
			if errors.Is(err, revstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, revs...)
	}
	return out, nil
}

// links are the begin and end links in force for a local chain
type links struct {
	begin    *Revision
	end      *Revision
	beginWCN revstore.WCN
	endWCN   revstore.WCN
}

func (l links) closed() bool {
	return l.end != nil
}

// linksOf reads the most recent begin and end link of a local chain
func (a *Artifact) linksOf(chain *Chain) (links, error) {
	var out links
	ids, err := a.model.log.Search(KwLinkLocalChain, chain.id)
	if err != nil {
		return out, err
	}
	for _, id := range ids {
		if out.begin != nil && out.end != nil {
			break
		}
		atom, err := a.model.log.Atom(id)
		if err != nil {
			return out, err
		}
		if out.begin == nil && atom.Has(KwLinkBegin) {
			if out.begin, err = a.model.Revision(atom.Ref(KwLinkBegin)); err != nil {
				return out, err
			}
			out.beginWCN = atom.WCN
		}
		if out.end == nil && atom.Has(KwLinkEnd) {
			if out.end, err = a.model.Revision(atom.Ref(KwLinkEnd)); err != nil {
				return out, err
			}
			out.endWCN = atom.WCN
		}
	}
	if out.begin == nil {
		return out, &revstore.InconsistentError{Artifact: a.key, Problem: fmt.Sprintf("local chain %d has no begin link", chain.id)}
	}
	return out, nil
}

// merge is the most recent merge record of a local chain
type merge struct {
	remote *Revision
	local  *Revision
}

func (a *Artifact) lastMerge(chain *Chain) (*merge, error) {
	id, err := a.model.log.First(KwMergeLocalChain, chain.id)
	if err != nil || id == 0 {
		return nil, err
	}
	atom, err := a.model.log.Atom(id)
	if err != nil {
		return nil, err
	}
	remote, err := a.model.Revision(atom.Ref(KwMergeRemoteSource))
	if err != nil {
		return nil, err
	}
	local, err := a.model.Revision(atom.Ref(KwMergeLocalResult))
	if err != nil {
		return nil, err
	}
	return &merge{remote: remote, local: local}, nil
}

// LastRevision returns the head of the artifact's view under strategy
func (a *Artifact) LastRevision(strategy revstore.Strategy) (*Revision, error) {
	view, err := a.Chain(strategy)
	if err != nil {
		return nil, err
	}
	return view.Last()
}

// Chain returns the view for strategy
func (a *Artifact) Chain(strategy revstore.Strategy) (*ChainView, error) {
	pc, err := a.Chains()
	if err != nil {
		return nil, err
	}
	return a.viewFor(pc, strategy), nil
}

func (a *Artifact) viewFor(pc *PhysicalChains, strategy revstore.Strategy) *ChainView {
	local := a.branching && strategy != revstore.StrategyMainChain
	return &ChainView{artifact: a, chains: pc, local: local}
}

// resolve maps Default to the strategy it means for this artifact
func (a *Artifact) resolve(strategy revstore.Strategy) revstore.Strategy {
	if !a.branching {
		return revstore.StrategyMainChain
	}
	if strategy == revstore.StrategyDefault {
		return revstore.StrategyLocal
	}
	return strategy
}
