package history

import (
	"fmt"
	"sort"

	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
)

// Transaction groups revision creators and branching records into one
// atomic commit. It is not safe for concurrent use.
type Transaction struct {
	model    *Model
	txn      *atomlog.Txn
	creators []*RevisionCreator
	// pending maps a chain id to the newest creator on it in this
	// transaction
	pending     map[uint64]*RevisionCreator
	afterCommit []func(revstore.WCN)
	onAbort     []func()
	done        bool
}

// Begin starts a transaction
func (m *Model) Begin() *Transaction {
	return &Transaction{
		model:   m,
		txn:     m.log.Begin(),
		pending: make(map[uint64]*RevisionCreator),
	}
}

// Model returns the model the transaction writes to
func (t *Transaction) Model() *Model {
	return t.model
}

// AddVerifier registers a commit-time check; see atomlog.Txn.AddVerifier
func (t *Transaction) AddVerifier(v atomlog.Verifier) {
	t.txn.AddVerifier(v)
}

// AfterCommit registers fn to run once the transaction has committed
func (t *Transaction) AfterCommit(fn func(revstore.WCN)) {
	t.afterCommit = append(t.afterCommit, fn)
}

// OnAbort registers fn to run when the transaction rolls back or fails
func (t *Transaction) OnAbort(fn func()) {
	t.onAbort = append(t.onAbort, fn)
}

// NewAtom allocates a raw atom in the transaction
func (t *Transaction) NewAtom() *revstore.Atom {
	return t.txn.NewAtom()
}

// Commit writes every pending revision and record
func (t *Transaction) Commit() (revstore.WCN, error) {
	if t.done {
		return 0, atomlog.ErrTxnDone
	}
	t.done = true
	for _, c := range t.creators {
		if err := c.finalize(); err != nil {
			t.txn.Rollback()
			t.abort()
			return 0, err
		}
	}
	wcn, err := t.txn.Commit()
	if err != nil {
		t.abort()
		return 0, err
	}
	for _, fn := range t.afterCommit {
		fn(wcn)
	}
	return wcn, nil
}

// Rollback discards the transaction
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Rollback()
	t.abort()
}

func (t *Transaction) abort() {
	for _, fn := range t.onAbort {
		fn()
	}
}

// pendingHead returns the newest creator for chain in this transaction
func (t *Transaction) pendingHead(chain uint64) *RevisionCreator {
	return t.pending[chain]
}

// RevisionCreator builds one revision. Attributes start as a copy of the
// base revision's and are written as a delta, or in full for chain starts,
// copies and closures.
type RevisionCreator struct {
	tx         *Transaction
	atom       *revstore.Atom
	artifact   uint64
	chain      uint64
	prev       uint64
	base       map[revstore.Keyword]revstore.Value
	values     map[revstore.Keyword]revstore.Value
	deleted    bool
	baseDel    bool
	full       bool
	copiedFrom uint64
	closure    bool
	relinked   bool
	root       bool
	branching  bool
	err        error
}

// newCreator allocates the atom. Pass chain=0 to start a new chain and
// artifact=0 to start a new artifact.
func (t *Transaction) newCreator(artifact, chain uint64, prev snapshot) *RevisionCreator {
	c := &RevisionCreator{tx: t, atom: t.txn.NewAtom()}
	if chain == 0 {
		chain = c.atom.ID
		c.full = true
	}
	if artifact == 0 {
		artifact = c.atom.ID
		c.root = true
	}
	c.artifact = artifact
	c.chain = chain
	c.prev = prev.id
	c.base = prev.values
	c.baseDel = prev.deleted
	c.deleted = prev.deleted
	c.values = make(map[revstore.Keyword]revstore.Value, len(prev.values))
	for k, v := range prev.values {
		c.values[k] = v
	}
	t.creators = append(t.creators, c)
	t.pending[chain] = c
	return c
}

// snapshot is the state a new revision starts from: a committed revision
// or a creator pending in the same transaction.
type snapshot struct {
	id      uint64
	values  map[revstore.Keyword]revstore.Value
	deleted bool
}

func revisionSnapshot(r *Revision) snapshot {
	if r == nil {
		return snapshot{}
	}
	return snapshot{id: r.id, values: r.values, deleted: r.deleted}
}

func (c *RevisionCreator) snapshot() snapshot {
	return snapshot{id: c.atom.ID, values: c.values, deleted: c.deleted}
}

// ID is the id the revision will have once committed
func (c *RevisionCreator) ID() uint64 {
	return c.atom.ID
}

// Base is the id of the revision this one follows, 0 at chain start
func (c *RevisionCreator) Base() uint64 {
	return c.prev
}

// ChainID is the physical chain the revision is appended to
func (c *RevisionCreator) ChainID() uint64 {
	return c.chain
}

// ArtifactKey is the artifact the revision belongs to
func (c *RevisionCreator) ArtifactKey() uint64 {
	return c.artifact
}

// Set assigns an attribute. System keywords and unsupported value types
// fail the commit.
func (c *RevisionCreator) Set(key revstore.Keyword, v revstore.Value) *RevisionCreator {
	if key.IsSystem() {
		c.fail(fmt.Errorf("cannot set system attribute %s", key))
		return c
	}
	v = revstore.Normalize(v)
	if _, err := revstore.Type(v); err != nil {
		c.fail(fmt.Errorf("attribute %s: %w", key, err))
		return c
	}
	c.values[key] = v
	return c
}

// Unset removes an attribute
func (c *RevisionCreator) Unset(key revstore.Keyword) *RevisionCreator {
	delete(c.values, key)
	return c
}

// SetDeleted flags the revision deleted or restored
func (c *RevisionCreator) SetDeleted(deleted bool) *RevisionCreator {
	c.deleted = deleted
	return c
}

// Value returns the pending value of an attribute
func (c *RevisionCreator) Value(key revstore.Keyword) (revstore.Value, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *RevisionCreator) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// finalize writes the creator's junctions into its atom
func (c *RevisionCreator) finalize() error {
	if c.err != nil {
		return fmt.Errorf("revision %d: %w", c.atom.ID, c.err)
	}
	a := c.atom
	a.Junctions = a.Junctions[:0]
	a.Add(KwChain, revstore.Ref(c.chain))
	a.Add(KwArtifact, revstore.Ref(c.artifact))
	if c.prev != 0 {
		a.Add(KwPrev, revstore.Ref(c.prev))
	}
	if c.root {
		a.Add(KwRoot, revstore.Ref(0))
		a.Add(KwBranching, c.branching)
	}
	if c.copiedFrom != 0 {
		a.Add(KwCopiedFrom, revstore.Ref(c.copiedFrom))
	}
	if c.closure {
		a.Add(KwClosure, true)
	}
	if c.relinked {
		a.Add(KwRelinked, true)
	}

	keys := make([]revstore.Keyword, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	if c.full {
		a.Add(KwFull, true)
		if c.deleted {
			a.Add(KwDeleted, true)
		}
		for _, k := range keys {
			a.Add(k, c.values[k])
		}
		return nil
	}

	if c.deleted != c.baseDel {
		a.Add(KwDeleted, c.deleted)
	}
	for _, k := range keys {
		if old, ok := c.base[k]; ok && revstore.ValuesEqual(old, c.values[k]) {
			continue
		}
		a.Add(k, c.values[k])
	}
	removed := make([]revstore.Keyword, 0)
	for k := range c.base {
		if _, ok := c.values[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Compare(removed[j]) < 0 })
	for _, k := range removed {
		a.Add(KwUnset, k)
	}
	return nil
}
