package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
)

// reincarnation tracks a replacement main chain that is not yet bound
type reincarnation struct {
	chain uint64
}

// StartReincarnation begins a new main chain for the artifact and returns
// the creator of its first revision. The chain stays invisible until
// FinishReincarnation commits. Only one reincarnation may be in progress.
func (a *Artifact) StartReincarnation(tx *Transaction) (*RevisionCreator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc != nil {
		return nil, fmt.Errorf("artifact %d: %w", a.key, revstore.ErrReincarnating)
	}
	if _, err := a.chainsLocked(); err != nil {
		return nil, err
	}
	c := tx.newCreator(a.key, 0, snapshot{})
	r := &reincarnation{chain: c.chain}
	a.reinc = r
	tx.OnAbort(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.reinc == r {
			a.reinc = nil
		}
	})
	return c, nil
}

// IsReincarnating reports whether a reincarnation is in progress
func (a *Artifact) IsReincarnating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reinc != nil
}

// ReincarnationChain returns the chain being built, or nil
func (a *Artifact) ReincarnationChain() *Chain {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return nil
	}
	return a.model.Chain(a.reinc.chain)
}

// ChangeReincarnation appends a revision to the chain being built
func (a *Artifact) ChangeReincarnation(tx *Transaction) (*RevisionCreator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return nil, fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNotReincarnating)
	}
	chain := a.model.Chain(a.reinc.chain)
	if p := tx.pendingHead(chain.id); p != nil {
		return p, nil
	}
	head, err := chain.Last()
	if err != nil {
		return nil, err
	}
	return tx.appendTo(a.key, chain, head), nil
}

// CancelReincarnation abandons the reincarnation in progress. Revisions
// already committed on the new chain stay in the log, unbound.
func (a *Artifact) CancelReincarnation() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNotReincarnating)
	}
	a.reinc = nil
	return nil
}

// LinkKind tells begin links from end links
type LinkKind uint8

const (
	LinkBegin LinkKind = iota
	LinkEnd
)

func (k LinkKind) String() string {
	if k == LinkBegin {
		return "begin"
	}
	return "end"
}

// Relink is a link that points at the main chain being replaced and must be
// redirected to the corresponding revision on the new chain
type Relink struct {
	artifact   *Artifact
	LocalChain uint64
	Kind       LinkKind
	Target     *Revision
}

func (r Relink) String() string {
	return fmt.Sprintf("%s link of chain %d -> %d", r.Kind, r.LocalChain, r.Target.ID())
}

// RequiredRelinks lists every begin and end link in force that points at
// the current main chain, ordered by target WCN then revision id
func (a *Artifact) RequiredRelinks() ([]Relink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return nil, fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNotReincarnating)
	}
	pc, err := a.chainsLocked()
	if err != nil {
		return nil, err
	}
	var out []Relink
	for _, c := range pc.Locals {
		l, err := a.linksOf(c)
		if err != nil {
			return nil, err
		}
		if pc.Main.Contains(l.begin) {
			out = append(out, Relink{artifact: a, LocalChain: c.id, Kind: LinkBegin, Target: l.begin})
		}
		if l.end != nil && pc.Main.Contains(l.end) {
			out = append(out, Relink{artifact: a, LocalChain: c.id, Kind: LinkEnd, Target: l.end})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Target.WCN() != out[j].Target.WCN() {
			return out[i].Target.WCN() < out[j].Target.WCN()
		}
		if out[i].Target.ID() != out[j].Target.ID() {
			return out[i].Target.ID() < out[j].Target.ID()
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// Apply redirects the link to newRevision, a committed revision on the new
// main chain. An end link also gets a relinked closure on the local chain
// carrying newRevision's attributes.
func (r Relink) Apply(tx *Transaction, newRevision *Revision) error {
	a := r.artifact
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNotReincarnating)
	}
	if newRevision.ChainID() != a.reinc.chain {
		return fmt.Errorf("artifact %d: relink target %d is not on the new main chain %d: %w",
			a.key, newRevision.ID(), a.reinc.chain, revstore.ErrConsistency)
	}

	link := tx.txn.NewAtom()
	link.Add(KwLinkLocalChain, revstore.Ref(r.LocalChain))
	if r.Kind == LinkBegin {
		link.Add(KwLinkBegin, revstore.Ref(newRevision.ID()))
		return nil
	}
	link.Add(KwLinkEnd, revstore.Ref(newRevision.ID()))

	chain := a.model.Chain(r.LocalChain)
	var closure *RevisionCreator
	if p := tx.pendingHead(chain.id); p != nil {
		closure = tx.newCreator(a.key, chain.id, p.snapshot())
	} else {
		head, err := chain.Last()
		if err != nil {
			return err
		}
		closure = tx.appendTo(a.key, chain, head)
	}
	closure.becomeCopyOf(newRevision)
	closure.closure = true
	closure.relinked = true
	return nil
}

// FinishReincarnation binds the new chain as the artifact's main chain. The
// previous main chain becomes buried under the current incarnation number.
func (a *Artifact) FinishReincarnation(tx *Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reinc == nil {
		return fmt.Errorf("artifact %d: %w", a.key, revstore.ErrNotReincarnating)
	}
	pc, err := a.chainsLocked()
	if err != nil {
		return err
	}
	r := a.reinc
	if tx.pendingHead(r.chain) == nil {
		tx.AddVerifier(func(reader atomlog.Reader) error {
			if _, err := reader.Atom(r.chain); err != nil {
				return fmt.Errorf("artifact %d: new main chain %d: %w", a.key, r.chain, err)
			}
			return nil
		})
	}
	tx.bind(a.key, pc.LastBinderID, RefTypeMain, r.chain)

	start := time.Now()
	tx.AfterCommit(func(wcn revstore.WCN) {
		a.mu.Lock()
		if a.reinc == r {
			a.reinc = nil
		}
		a.mu.Unlock()
		a.model.InvalidateCaches()
		a.model.logger.Info("artifact reincarnated", "artifact", a.key, "chain", r.chain, "wcn", wcn)
		a.model.notes.AddTiming(annotations.RCBReincarnated, start, map[string]interface{}{
			"artifact": a.key,
			"chain":    r.chain,
		})
	})
	return nil
}
