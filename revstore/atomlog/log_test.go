package atomlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-revstore/revstore"
)

var (
	kwName   = revstore.NewKeyword(":test/name")
	kwParent = revstore.NewKeyword(":test/parent")
)

func openMem(t *testing.T) *Log {
	t.Helper()
	l, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCommitAssignsIncreasingWCN(t *testing.T) {
	l := openMem(t)
	assert.Equal(t, revstore.Earliest, l.Tip())

	var seen []revstore.WCN
	remove, tip := l.AddListener(func(w revstore.WCN, atoms []*revstore.Atom) {
		seen = append(seen, w)
		for _, a := range atoms {
			assert.Equal(t, w, a.WCN)
		}
	})
	defer remove()
	assert.Equal(t, revstore.Earliest, tip)

	for i := 0; i < 3; i++ {
		tx := l.Begin()
		a := tx.NewAtom()
		a.Add(kwName, "x")
		_, err := tx.Commit()
		require.NoError(t, err)
	}
	assert.Equal(t, []revstore.WCN{1, 2, 3}, seen)
	assert.Equal(t, revstore.WCN(3), l.Tip())

	empty := l.Begin()
	w, err := empty.Commit()
	require.NoError(t, err)
	assert.Equal(t, revstore.WCN(3), w)
	assert.Len(t, seen, 3)

	_, err = empty.Commit()
	assert.ErrorIs(t, err, ErrTxnDone)
}

func TestAtomRoundTripAndSearch(t *testing.T) {
	l := openMem(t)

	tx := l.Begin()
	parent := tx.NewAtom()
	parent.Add(kwName, "parent")
	child1 := tx.NewAtom()
	child1.Add(kwParent, revstore.Ref(parent.ID))
	child1.Add(kwName, "one")
	_, err := tx.Commit()
	require.NoError(t, err)

	tx = l.Begin()
	child2 := tx.NewAtom()
	child2.Add(kwParent, revstore.Ref(parent.ID))
	_, err = tx.Commit()
	require.NoError(t, err)

	got, err := l.Atom(child1.ID)
	require.NoError(t, err)
	assert.Equal(t, revstore.WCN(1), got.WCN)
	assert.Equal(t, parent.ID, got.Ref(kwParent))
	v, ok := got.Value(kwName)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	ids, err := l.Search(kwParent, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{child2.ID, child1.ID}, ids)

	first, err := l.First(kwParent, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, child2.ID, first)

	none, err := l.First(kwParent, child2.ID)
	require.NoError(t, err)
	assert.Zero(t, none)

	_, err = l.Atom(999999)
	assert.ErrorIs(t, err, revstore.ErrNotFound)
	assert.Equal(t, child2.ID, l.MaxAtomID())
}

func TestVerifierFailureIsCollision(t *testing.T) {
	l := openMem(t)
	tx := l.Begin()
	tx.NewAtom().Add(kwName, "a")
	tx.AddVerifier(func(r Reader) error {
		return errors.New("state moved")
	})
	_, err := tx.Commit()
	assert.ErrorIs(t, err, revstore.ErrCollision)
	assert.Equal(t, revstore.Earliest, l.Tip())
}

func TestScanBackward(t *testing.T) {
	l := openMem(t)
	for i := 0; i < 5; i++ {
		tx := l.Begin()
		tx.NewAtom().Add(kwName, int64(i))
		tx.NewAtom().Add(kwName, int64(i))
		_, err := tx.Commit()
		require.NoError(t, err)
	}

	var wcns []revstore.WCN
	var ids []uint64
	err := l.ScanBackward(context.Background(), 4, func(a *revstore.Atom) error {
		wcns = append(wcns, a.WCN)
		ids = append(ids, a.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []revstore.WCN{5, 5, 4, 4}, wcns)
	assert.Greater(t, ids[0], ids[1])

	count := 0
	err = l.ScanBackward(context.Background(), revstore.Earliest, func(a *revstore.Atom) error {
		count++
		if count == 3 {
			return StopScan
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.ScanBackward(ctx, revstore.Earliest, func(a *revstore.Atom) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReopenKeepsTip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	tx := l.Begin()
	a := tx.NewAtom()
	a.Add(kwName, "persisted")
	_, err = tx.Commit()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, revstore.WCN(1), l.Tip())
	assert.Equal(t, a.ID, l.MaxAtomID())

	tx = l.Begin()
	b := tx.NewAtom()
	assert.Greater(t, b.ID, a.ID)
	tx.Rollback()
}
