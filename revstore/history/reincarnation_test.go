package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-revstore/revstore"
)

func TestReincarnationRelinksLocalChains(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")
	m0 := head(t, art, revstore.StrategyMainChain)
	l1 := change(t, art, revstore.StrategyLocal, func(c *RevisionCreator) { c.Set(kwComment, "local") })
	m1 := change(t, art, revstore.StrategyMainChain, func(c *RevisionCreator) { c.Set(kwStatus, "fixed") })
	tx := m.Begin()
	require.NoError(t, art.CloseLocalChain(tx))
	commit(t, tx)

	tx = m.Begin()
	c, err := art.StartReincarnation(tx)
	require.NoError(t, err)
	c.Set(kwStatus, "open")
	commit(t, tx)
	n0 := rev(t, m, c.ID())
	assert.True(t, art.IsReincarnating())
	assert.Equal(t, n0.ID(), art.ReincarnationChain().ID())

	tx = m.Begin()
	_, err = art.StartReincarnation(tx)
	assert.ErrorIs(t, err, revstore.ErrReincarnating)
	c, err = art.ChangeReincarnation(tx)
	require.NoError(t, err)
	c.Set(kwStatus, "fixed")
	commit(t, tx)
	n1 := rev(t, m, c.ID())
	assert.Equal(t, n0.ID(), n1.ChainID())

	// The old main chain is still current until the reincarnation finishes.
	assert.Equal(t, m1.ID(), head(t, art, revstore.StrategyMainChain).ID())

	relinks, err := art.RequiredRelinks()
	require.NoError(t, err)
	require.Len(t, relinks, 2)
	assert.Equal(t, LinkBegin, relinks[0].Kind)
	assert.Equal(t, m0.ID(), relinks[0].Target.ID())
	assert.Equal(t, LinkEnd, relinks[1].Kind)
	assert.Equal(t, m1.ID(), relinks[1].Target.ID())

	tx = m.Begin()
	assert.ErrorIs(t, relinks[0].Apply(tx, m0), revstore.ErrConsistency)
	require.NoError(t, relinks[0].Apply(tx, n0))
	require.NoError(t, relinks[1].Apply(tx, n1))
	require.NoError(t, art.FinishReincarnation(tx))
	finished := commit(t, tx)

	assert.False(t, art.IsReincarnating())
	pc, err := art.Chains()
	require.NoError(t, err)
	assert.Equal(t, n0.ID(), pc.Main.ID())
	assert.Equal(t, 1, pc.Incarnation)
	buried, err := art.BuriedChain(0)
	require.NoError(t, err)
	assert.Equal(t, art.Key(), buried.ID())
	_, err = art.BuriedChain(1)
	assert.ErrorIs(t, err, revstore.ErrNotFound)
	w, err := art.LastIncarnationWCN()
	require.NoError(t, err)
	assert.Equal(t, finished, w)

	assert.Equal(t, n1.ID(), head(t, art, revstore.StrategyMainChain).ID())
	assert.Equal(t, n1.ID(), head(t, art, revstore.StrategyLocal).ID())

	view, err := art.Chain(revstore.StrategyLocal)
	require.NoError(t, err)
	revs, err := view.Revisions()
	require.NoError(t, err)
	require.Len(t, revs, 5)
	assert.Equal(t, l1.ID(), revs[1].ID())
	relinked := revs[3]
	assert.True(t, relinked.IsRelinkedClosure())
	assert.Equal(t, n1.Values(), relinked.Values())
	assert.Equal(t, n1.ID(), revs[4].ID())
	var last int64 = -1
	for _, r := range revs {
		o, err := view.Order(r)
		require.NoError(t, err)
		assert.Greater(t, o, last)
		last = o
	}

	all, err := art.CompleteRevisions()
	require.NoError(t, err)
	assert.Len(t, all, 8)

	// A new local chain may only open at or after the relinked end.
	tx = m.Begin()
	_, err = art.Change(tx, revstore.StrategyLocal, n0.ID())
	var illegal *revstore.IllegalBaseRevisionError
	assert.ErrorAs(t, err, &illegal)
	_, err = art.Change(tx, revstore.StrategyLocal, n1.ID())
	require.NoError(t, err)
	tx.Rollback()
}

func TestReincarnationInOneTransaction(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, false, "open")

	tx := m.Begin()
	c, err := art.StartReincarnation(tx)
	require.NoError(t, err)
	c.Set(kwStatus, "rebuilt")
	relinks, err := art.RequiredRelinks()
	require.NoError(t, err)
	assert.Empty(t, relinks)
	require.NoError(t, art.FinishReincarnation(tx))
	commit(t, tx)

	n, err := art.Incarnation()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, _ := head(t, art, revstore.StrategyDefault).Value(kwStatus)
	assert.Equal(t, "rebuilt", v)
}

func TestCancelReincarnation(t *testing.T) {
	m := newModel(t, Options{})
	art := createArtifact(t, m, true, "open")

	tx := m.Begin()
	_, err := art.StartReincarnation(tx)
	require.NoError(t, err)
	tx.Rollback()
	assert.False(t, art.IsReincarnating())

	tx = m.Begin()
	_, err = art.StartReincarnation(tx)
	require.NoError(t, err)
	commit(t, tx)
	require.NoError(t, art.CancelReincarnation())
	assert.ErrorIs(t, art.CancelReincarnation(), revstore.ErrNotReincarnating)

	tx = m.Begin()
	_, err = art.ChangeReincarnation(tx)
	assert.ErrorIs(t, err, revstore.ErrNotReincarnating)
	assert.ErrorIs(t, art.FinishReincarnation(tx), revstore.ErrNotReincarnating)
	tx.Rollback()

	n, err := art.Incarnation()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
