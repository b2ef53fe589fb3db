package revstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeContainsAndDivide(t *testing.T) {
	points := []WCN{Earliest, 1, 2, 5, 17, 1000, Latest - 1, Latest}
	for _, a := range points {
		for _, b := range points {
			for _, c := range points {
				if !(a <= b && b <= c) {
					continue
				}
				r := MustRange(a, c)
				if b < c {
					assert.True(t, r.Contains(b), "%s should contain %s", r, b)
				}
				first, second := Divide(r, b)
				assert.Equal(t, MustRange(a, b), first)
				assert.Equal(t, MustRange(b, c), second)
				assert.Equal(t, r.Start, first.Start)
				assert.Equal(t, first.End, second.Start)
				assert.Equal(t, r.End, second.End)
			}
		}
	}
}

func TestDivideClampsPivot(t *testing.T) {
	r := MustRange(10, 20)

	first, second := Divide(r, 3)
	assert.True(t, first.IsNil())
	assert.Equal(t, r, second)

	first, second = Divide(r, 99)
	assert.Equal(t, r, first)
	assert.True(t, second.IsNil())
}

func TestRangeBasics(t *testing.T) {
	_, err := NewRange(5, 4)
	require.Error(t, err)

	assert.True(t, Nil.IsNil())
	assert.True(t, MustRange(7, 7).Equal(Nil))
	assert.False(t, Nil.Contains(Earliest))
	assert.True(t, Eternity.Contains(12345))

	assert.Equal(t, MustRange(5, 8), Intersect(MustRange(1, 8), MustRange(5, 10)))
	assert.True(t, Intersect(MustRange(1, 3), MustRange(5, 10)).IsNil())

	assert.Equal(t, "[--:++)", Eternity.String())
	assert.False(t, Committed.Contains(Earliest))
	assert.Equal(t, MustRange(1, 4), Intersect(MustRange(Earliest, 4), Committed))
	assert.Equal(t, WCN(4), WCN(5).StepBack())
	assert.Equal(t, Earliest, Earliest.StepBack())
	assert.Equal(t, WCN(9), Max(9, 3))
}

func TestRepeatUntilNoCollisions(t *testing.T) {
	calls, invalidations := 0, 0
	err := RepeatUntilNoCollisions(5, func() { invalidations++ }, func() error {
		calls++
		if calls < 3 {
			return ErrCollision
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, invalidations)

	calls = 0
	err = RepeatUntilNoCollisions(2, nil, func() error {
		calls++
		return ErrCollision
	})
	assert.ErrorIs(t, err, ErrCollision)
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	calls = 0
	err = RepeatUntilNoCollisions(4, nil, func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestValueEncoding(t *testing.T) {
	values := []Value{"hello", int64(-42), 3.5, true, NewKeyword(":status/open"), Ref(77), []byte{1, 2, 3}}
	for _, v := range values {
		vt, err := Type(v)
		require.NoError(t, err)
		data, err := ValueBytes(v)
		require.NoError(t, err)
		back, err := ValueFromBytes(vt, data)
		require.NoError(t, err)
		assert.True(t, ValuesEqual(v, back), "%v", v)
	}

	_, err := Type(struct{}{})
	assert.Error(t, err)
	assert.NotEqual(t, FormatValue("1"), FormatValue(int64(1)))
}

func TestKeywordNamespaces(t *testing.T) {
	assert.True(t, NewKeyword(":rev/chain").IsSystem())
	assert.True(t, NewKeyword(":rcb.link/begin").IsSystem())
	assert.False(t, NewKeyword(":bug/status").IsSystem())
	assert.Equal(t, "bug", NewKeyword(":bug/status").Namespace())
	assert.Equal(t, NewKeyword(":a/b"), NewKeyword(":a/b"))
}
