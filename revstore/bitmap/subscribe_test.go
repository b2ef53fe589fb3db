package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
)

type received struct {
	kind     MatchKind
	artifact uint64
	revision uint64
}

func recordMatches(out *[]received) func(Match) {
	return func(m Match) {
		*out = append(*out, received{m.Kind, m.Artifact, m.Revision.ID()})
	}
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	f := newFixture(t)
	a := f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	b := f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "closed"})
	tip := f.log.Tip()

	var got []received
	sub, err := f.mgr.Subscribe(f.ctx, filter.Eq(kwStatus, "open"), revstore.StrategyMainChain, revstore.Eternity, recordMatches(&got))
	require.NoError(t, err)
	assert.Equal(t, revstore.MustRange(revstore.Earliest.Next(), tip+1), sub.Past())
	assert.Equal(t, revstore.MustRange(tip+1, revstore.Latest), sub.Future())
	assert.Equal(t, []received{{MatchExists, a.Key(), a.Key()}}, got)

	got = nil
	b1 := f.change(b, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "open") })
	a1 := f.change(a, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwPriority, int64(1)) })
	a2 := f.change(a, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "closed") })
	f.change(a, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwPriority, int64(2)) })
	assert.Equal(t, []received{
		{MatchAppears, b.Key(), b1.ID()},
		{MatchChanges, a.Key(), a1.ID()},
		{MatchDisappears, a.Key(), a2.ID()},
	}, got)

	got = nil
	sub.Close()
	f.change(b, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "closed") })
	assert.Empty(t, got)
}

func TestSubscribeFollowsStrategy(t *testing.T) {
	f := newFixture(t)
	art := f.create(true, map[revstore.Keyword]revstore.Value{kwStatus: "open"})

	var local, main []received
	_, err := f.mgr.Subscribe(f.ctx, filter.Eq(kwStatus, "mine"), revstore.StrategyLocal, revstore.Eternity, recordMatches(&local))
	require.NoError(t, err)
	_, err = f.mgr.Subscribe(f.ctx, filter.Eq(kwStatus, "mine"), revstore.StrategyMainChain, revstore.Eternity, recordMatches(&main))
	require.NoError(t, err)

	l1 := f.change(art, revstore.StrategyLocal, func(c *history.RevisionCreator) { c.Set(kwStatus, "mine") })
	// A main change under the open chain leaves the local head alone.
	f.change(art, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwPriority, int64(3)) })
	assert.Equal(t, []received{{MatchAppears, art.Key(), l1.ID()}}, local)
	assert.Empty(t, main)
}

func TestSubscribeRanges(t *testing.T) {
	f := newFixture(t)
	a := f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	w1 := f.log.Tip()
	b := f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	f.change(a, revstore.StrategyMainChain, func(c *history.RevisionCreator) { c.Set(kwStatus, "closed") })
	open := filter.Eq(kwStatus, "open")

	// Entirely in the past: heads as of the range end, nothing afterwards.
	var got []received
	sub, err := f.mgr.Subscribe(f.ctx, open, revstore.StrategyDefault, revstore.MustRange(revstore.Earliest, w1+1), recordMatches(&got))
	require.NoError(t, err)
	assert.True(t, sub.Future().IsNil())
	assert.Equal(t, []received{{MatchExists, a.Key(), a.Key()}}, got)
	f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	assert.Len(t, got, 1)

	// Starting after w1 replays only heads committed since.
	got = nil
	_, err = f.mgr.Subscribe(f.ctx, open, revstore.StrategyDefault, revstore.MustRange(w1+1, revstore.Latest), recordMatches(&got))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, received{MatchExists, b.Key(), b.Key()}, got[0])

	// Future only: no replay, and the range end closes the subscription.
	got = nil
	tip := f.log.Tip()
	sub, err = f.mgr.Subscribe(f.ctx, open, revstore.StrategyDefault, revstore.MustRange(tip+1, tip+2), recordMatches(&got))
	require.NoError(t, err)
	assert.True(t, sub.Past().IsNil())
	assert.Empty(t, got)
	c := f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	assert.Equal(t, []received{{MatchAppears, c.Key(), c.Key()}}, got)

	sub, err = f.mgr.Subscribe(f.ctx, open, revstore.StrategyDefault, revstore.Nil, recordMatches(&got))
	require.NoError(t, err)
	assert.True(t, sub.Past().IsNil())
	assert.True(t, sub.Future().IsNil())
}

func TestSubscribeAfterClose(t *testing.T) {
	f := newFixture(t)
	var got []received
	sub, err := f.mgr.Subscribe(f.ctx, filter.All(), revstore.StrategyDefault, revstore.Eternity, recordMatches(&got))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Close())
	f.create(false, map[revstore.Keyword]revstore.Value{kwStatus: "open"})
	assert.Empty(t, got)
	assert.True(t, sub.closed.Load())

	_, err = f.mgr.Subscribe(f.ctx, filter.All(), revstore.StrategyDefault, revstore.Eternity, recordMatches(&got))
	assert.ErrorIs(t, err, revstore.ErrClosed)
}
