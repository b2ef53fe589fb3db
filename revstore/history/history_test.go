package history

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
)

var (
	kwStatus  = revstore.NewKeyword(":bug/status")
	kwTitle   = revstore.NewKeyword(":bug/title")
	kwComment = revstore.NewKeyword(":bug/comment")
)

func newModel(t *testing.T, opts Options) *Model {
	t.Helper()
	l, err := atomlog.Open(atomlog.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	m, err := NewModel(l, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func commit(t *testing.T, tx *Transaction) revstore.WCN {
	t.Helper()
	w, err := tx.Commit()
	require.NoError(t, err)
	return w
}

func rev(t *testing.T, m *Model, id uint64) *Revision {
	t.Helper()
	r, err := m.Revision(id)
	require.NoError(t, err)
	return r
}

func createArtifact(t *testing.T, m *Model, branching bool, status string) *Artifact {
	t.Helper()
	tx := m.Begin()
	c := tx.CreateArtifact(branching)
	c.Set(kwStatus, status).Set(kwTitle, "crash on start")
	commit(t, tx)
	art, err := m.Artifact(c.ArtifactKey())
	require.NoError(t, err)
	return art
}

func change(t *testing.T, art *Artifact, strategy revstore.Strategy, fn func(c *RevisionCreator)) *Revision {
	t.Helper()
	tx := art.model.Begin()
	c, err := art.Change(tx, strategy, 0)
	require.NoError(t, err)
	fn(c)
	commit(t, tx)
	return rev(t, art.model, c.ID())
}

func head(t *testing.T, art *Artifact, strategy revstore.Strategy) *Revision {
	t.Helper()
	r, err := art.LastRevision(strategy)
	require.NoError(t, err)
	return r
}

func TestMainChainRevisionsAreImmutable(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, false, "open")
	first := head(t, art, revstore.StrategyMainChain)
	assert.True(t, first.IsChainStart())
	assert.Equal(t, art.Key(), first.ID())

	second := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) {
		c.Set(kwStatus, "closed").Unset(kwTitle)
	})
	third := change(t, art, revstore.StrategyDefault, func(c *RevisionCreator) {
		c.Set(kwComment, "done").SetDeleted(true)
	})

	// Materialize from a fresh model so deltas are replayed from the log.
	fresh, err := NewModel(m.Log(), Options{})
	require.NoError(t, err)
	defer fresh.Close()
	for _, model := range []*Model{m, fresh} {
		r1 := rev(t, model, first.ID())
		v, _ := r1.Value(kwStatus)
		assert.Equal(t, "open", v)
		assert.True(t, r1.HasUserContent())

		r2 := rev(t, model, second.ID())
		v, _ = r2.Value(kwStatus)
		assert.Equal(t, "closed", v)
		_, ok := r2.Value(kwTitle)
		assert.False(t, ok)
		assert.False(t, r2.Deleted())

		r3 := rev(t, model, third.ID())
		assert.True(t, r3.Deleted())
		assert.Len(t, r3.Values(), 2)
	}

	chain := m.Chain(art.Key())
	assert.Less(t, chain.Order(first), chain.Order(second))
	assert.Less(t, chain.Order(second), chain.Order(third))
	assert.Equal(t, int64(-1), m.Chain(third.ID()).Order(first))

	last, err := chain.Last()
	require.NoError(t, err)
	assert.Equal(t, third.ID(), last.ID())
	at, err := chain.LastAt(second.WCN())
	require.NoError(t, err)
	assert.Equal(t, second.ID(), at.ID())
	none, err := chain.LastAt(revstore.Earliest)
	require.NoError(t, err)
	assert.Nil(t, none)

	diff := Diff(first, second)
	assert.Equal(t, map[revstore.Keyword]revstore.Value{kwStatus: "closed", kwTitle: nil}, diff)
	assert.True(t, second.VisibleAt(second.WCN()))
	assert.False(t, second.VisibleAt(first.WCN()))
}

func TestSetRejectsSystemAttributes(t *testing.T) {
	m := newModel(t, Options{})
	tx := m.Begin()
	tx.CreateArtifact(false).Set(KwChain, revstore.Ref(1))
	_, err := tx.Commit()
	assert.Error(t, err)
	assert.Equal(t, revstore.Earliest, m.Log().Tip())
}

func TestOpenAndCloseLocalChain(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	mainHead := head(t, art, revstore.StrategyMainChain)

	// Closing with nothing open changes nothing.
	tx := m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	assert.Empty(t, tx.txn.Atoms())
	tx.Rollback()

	local := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) {
		c.Set(kwStatus, "in progress")
	})
	pc, err := art.Chains()
	require.NoError(t, err)
	require.Len(t, pc.Locals, 1)
	assert.Equal(t, local.ChainID(), pc.Locals[0].ID())

	origin, err := pc.Locals[0].First()
	require.NoError(t, err)
	assert.Equal(t, mainHead.Values(), origin.Values())
	assert.Equal(t, mainHead.ID(), origin.CopiedFrom())

	assert.Equal(t, local.ID(), head(t, art, revstore.StrategyDefault).ID())
	assert.Equal(t, mainHead.ID(), head(t, art, revstore.StrategyMainChain).ID())

	open, err := art.HasOpenLocalBranch()
	require.NoError(t, err)
	assert.True(t, open)
	changes, err := art.LocalChanges()
	require.NoError(t, err)
	assert.Equal(t, map[revstore.Keyword]revstore.Value{kwStatus: "in progress"}, changes)

	isLocal, err := art.IsLocalRevision(local)
	require.NoError(t, err)
	assert.True(t, isLocal)
	start, err := art.LocalChainStart(local)
	require.NoError(t, err)
	assert.Equal(t, origin.ID(), start.ID())

	// A second local edit appends to the open chain.
	again := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) {
		c.Set(kwComment, "looking")
	})
	assert.Equal(t, local.ChainID(), again.ChainID())
	pc, err = art.Chains()
	require.NoError(t, err)
	assert.Len(t, pc.Locals, 1)

	tx = m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	commit(t, tx)

	open, err = art.HasOpenLocalBranch()
	require.NoError(t, err)
	assert.False(t, open)
	assert.Equal(t, mainHead.ID(), head(t, art, revstore.StrategyLocal).ID())
	closure, err := pc.Locals[0].Last()
	require.NoError(t, err)
	assert.True(t, closure.IsClosure())
	assert.Equal(t, mainHead.Values(), closure.Values())

	// Closing twice is a no-op.
	tip := m.Log().Tip()
	tx = m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	commit(t, tx)
	assert.Equal(t, tip, m.Log().Tip())

	// The next local edit opens a second chain.
	next := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) {
		c.Set(kwStatus, "reopened")
	})
	pc, err = art.Chains()
	require.NoError(t, err)
	assert.Len(t, pc.Locals, 2)
	assert.Equal(t, next.ChainID(), pc.Latest().ID())
}

func TestLocalViewOfClosedChain(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	m0 := head(t, art, revstore.StrategyMainChain)
	l1 := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwStatus, "mine") })
	m1 := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "theirs") })

	tx := m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	commit(t, tx)

	view, err := art.Chain(revstore.StrategyLocal)
	require.NoError(t, err)
	revs, err := view.Revisions()
	require.NoError(t, err)
	require.Len(t, revs, 4)
	copyRev, closure := revs[0], revs[2]
	assert.Equal(t, m0.ID(), copyRev.CopiedFrom())
	assert.Equal(t, l1.ID(), revs[1].ID())
	assert.True(t, closure.IsClosure())
	assert.Equal(t, m1.ID(), revs[3].ID())

	var last int64 = -1
	for _, r := range revs {
		o, err := view.Order(r)
		require.NoError(t, err)
		assert.Greater(t, o, last)
		last = o
	}

	in, err := view.Contains(m0)
	require.NoError(t, err)
	assert.False(t, in)
	o, err := view.Order(m0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), o)

	prev, err := view.Previous(m1)
	require.NoError(t, err)
	assert.Equal(t, closure.ID(), prev.ID())

	_, ok, err := m.RevisionIn(l1.ID(), revstore.StrategyLocal)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = m.RevisionIn(l1.ID(), revstore.StrategyMainChain)
	require.NoError(t, err)
	assert.False(t, ok)

	isHead, err := m.IsHead(m1, revstore.StrategyLocal)
	require.NoError(t, err)
	assert.True(t, isHead)
}

func TestConflictDetectionAndMerge(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	m0 := head(t, art, revstore.StrategyMainChain)

	conflict, err := art.HasConflict()
	require.NoError(t, err)
	assert.False(t, conflict)

	l1 := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "local") })
	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.False(t, conflict)

	m1 := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "fixed") })
	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.True(t, conflict)

	base, err := art.ConflictBase(revstore.StrategyMainChain)
	require.NoError(t, err)
	assert.Equal(t, m0.ID(), base.ID())
	localBase, err := art.ConflictBase(revstore.StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, l1.ChainID(), localBase.ID())

	remoteChanges, err := art.ConflictChanges(revstore.StrategyMainChain)
	require.NoError(t, err)
	assert.Equal(t, map[revstore.Keyword]revstore.Value{kwStatus: "fixed"}, remoteChanges)
	localChanges, err := art.ConflictChanges(revstore.StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, map[revstore.Keyword]revstore.Value{kwComment: "local"}, localChanges)

	// Merge recorded at both current heads clears the conflict.
	tx := m.Begin()
	require.NoError(t, art.MarkMerged(tx, m1, l1))
	commit(t, tx)
	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.False(t, conflict)

	base, err = art.ConflictBase(revstore.StrategyMainChain)
	require.NoError(t, err)
	assert.Equal(t, m1.ID(), base.ID())

	// A local edit alone does not bring the conflict back.
	l2 := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "more") })
	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.False(t, conflict)

	change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "verified") })
	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.True(t, conflict)

	tx = m.Begin()
	err = art.MarkMerged(tx, m0, l2)
	assert.ErrorIs(t, err, revstore.ErrConsistency)
	err = art.MarkMerged(tx, m1, m1)
	assert.ErrorIs(t, err, revstore.ErrConsistency)
	err = art.MarkMerged(tx, l1, l2)
	assert.ErrorIs(t, err, revstore.ErrConsistency)
	tx.Rollback()
}

func TestMergeWithResolvingEdit(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "local") })
	remote := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "fixed") })
	conflict, err := art.HasConflict()
	require.NoError(t, err)
	require.True(t, conflict)

	tx := m.Begin()
	resolved, err := art.Change(tx, revstore.StrategyLocal, 0)
	require.NoError(t, err)
	resolved.Set(kwStatus, "fixed")
	require.NoError(t, art.MarkMergedInto(tx, remote, resolved))
	commit(t, tx)

	conflict, err = art.HasConflict()
	require.NoError(t, err)
	assert.False(t, conflict)
	base, err := art.ConflictBase(revstore.StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, resolved.ID(), base.ID())
	localHead := head(t, art, revstore.StrategyLocal)
	assert.Equal(t, resolved.ID(), localHead.ID())

	// The result has to extend the open chain, in the same transaction.
	other := m.Begin()
	defer other.Rollback()
	tx = m.Begin()
	defer tx.Rollback()
	pending, err := art.Change(other, revstore.StrategyLocal, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, art.MarkMergedInto(tx, remote, pending), revstore.ErrConsistency)
	onMain, err := art.Change(tx, revstore.StrategyMainChain, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, art.MarkMergedInto(tx, remote, onMain), revstore.ErrConsistency)
}

func TestExpectedBaseChecks(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	m0 := head(t, art, revstore.StrategyMainChain)
	l1 := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "a") })

	tx := m.Begin()
	_, err := art.Change(tx, revstore.StrategyLocal, m0.ID())
	assert.ErrorIs(t, err, revstore.ErrStaleBase)
	c, err := art.Change(tx, revstore.StrategyLocal, l1.ID())
	require.NoError(t, err)
	assert.Equal(t, l1.ID(), c.Base())
	tx.Rollback()

	lenient := newModel(t, Options{LenientBase: true})
	art2 := createArtifact(t, lenient, true, "open")
	first := head(t, art2, revstore.StrategyMainChain)
	l := change(t, art2, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "a") })
	tx = lenient.Begin()
	c, err = art2.Change(tx, revstore.StrategyLocal, first.ID())
	require.NoError(t, err)
	assert.Equal(t, l.ID(), c.Base())
	tx.Rollback()

	// Synchronize at m1, then try to open a new chain from m0.
	other := createArtifact(t, m, false, "other")
	m1 := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "b") })
	tx = m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	commit(t, tx)

	tx = m.Begin()
	_, err = art.Change(tx, revstore.StrategyLocal, m0.ID())
	var illegal *revstore.IllegalBaseRevisionError
	require.True(t, errors.As(err, &illegal), "got %v", err)
	assert.Equal(t, m0.ID(), illegal.Revision)

	_, err = art.Change(tx, revstore.StrategyLocal, l1.ID())
	assert.True(t, errors.As(err, &illegal))
	_, err = art.Change(tx, revstore.StrategyLocal, other.Key())
	assert.True(t, errors.As(err, &illegal))
	_, err = art.Change(tx, revstore.StrategyLocal, 999999)
	assert.ErrorIs(t, err, revstore.ErrConsistency)

	_, err = art.Change(tx, revstore.StrategyLocal, m1.ID())
	require.NoError(t, err)
	tx.Rollback()
}

func TestConcurrentAppendCollides(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, false, "open")

	tx1, tx2 := m.Begin(), m.Begin()
	c1, err := art.Change(tx1, revstore.StrategyMainChain, 0)
	require.NoError(t, err)
	c2, err := art.Change(tx2, revstore.StrategyMainChain, 0)
	require.NoError(t, err)
	c1.Set(kwStatus, "one")
	c2.Set(kwStatus, "two")

	commit(t, tx1)
	_, err = tx2.Commit()
	assert.ErrorIs(t, err, revstore.ErrCollision)

	attempts := 0
	err = revstore.RepeatUntilNoCollisions(3, m.InvalidateCaches, func() error {
		attempts++
		tx := m.Begin()
		c, err := art.Change(tx, revstore.StrategyMainChain, 0)
		if err != nil {
			return err
		}
		c.Set(kwStatus, "two")
		_, err = tx.Commit()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	v, _ := head(t, art, revstore.StrategyMainChain).Value(kwStatus)
	assert.Equal(t, "two", v)
}

func TestNonBranchingArtifact(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, false, "open")
	r := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwStatus, "x") })
	assert.Equal(t, art.Key(), r.ChainID())

	pc, err := art.Chains()
	require.NoError(t, err)
	assert.Empty(t, pc.Locals)

	tx := m.Begin()
	err = art.MarkMerged(tx, r, r)
	assert.ErrorIs(t, err, revstore.ErrNoBranching)
	tx.Rollback()
}

type countingPolicy struct {
	calls int
	limit int
}

func (p *countingPolicy) Handle(err error, attempt int) error {
	p.calls++
	if attempt >= p.limit {
		return err
	}
	return nil
}

func TestRescanInconsistencyUsesPolicy(t *testing.T) {
	policy := &countingPolicy{limit: 2}
	m := newModel(t, Options{Policy: policy})
	art := createArtifact(t, m, true, "open")
	pc, err := art.Chains()
	require.NoError(t, err)

	tx := m.Begin()
	b := tx.NewAtom()
	b.Add(KwBinderArtifact, revstore.Ref(art.Key()))
	b.Add(KwBinderPrev, revstore.Ref(pc.LastBinderID))
	b.Add(KwBinderRefType, revstore.NewKeyword(":rcb.reftype/bogus"))
	b.Add(KwBinderChainStart, revstore.Ref(art.Key()))
	commit(t, tx)

	_, err = art.Chains()
	assert.ErrorIs(t, err, revstore.ErrInconsistent)
	var inconsistent *revstore.InconsistentError
	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, b.ID, inconsistent.Binder)
	assert.Equal(t, 2, policy.calls)
}

func TestSnapshotMemoizedUntilBinderCommits(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	pc1, err := art.Chains()
	require.NoError(t, err)

	change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "x") })
	pc2, err := art.Chains()
	require.NoError(t, err)
	assert.Same(t, pc1, pc2)

	change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwStatus, "y") })
	pc3, err := art.Chains()
	require.NoError(t, err)
	assert.NotSame(t, pc1, pc3)
	assert.Len(t, pc3.Locals, 1)
}

func TestArtifactsEnumeration(t *testing.T) {
	m := newModel(t, Options{})
	a := createArtifact(t, m, false, "a")
	b := createArtifact(t, m, true, "b")
	arts, err := m.Artifacts()
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, a.Key(), arts[0].Key())
	assert.Equal(t, b.Key(), arts[1].Key())
	assert.True(t, arts[1].IsBranching())

	_, err = m.Artifact(9999)
	assert.Error(t, err)
}
