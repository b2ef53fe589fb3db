package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wbrown/janus-revstore/revstore"
)

type attrs struct {
	values  map[revstore.Keyword]revstore.Value
	deleted bool
}

func (a attrs) Value(k revstore.Keyword) (revstore.Value, bool) {
	v, ok := a.values[k]
	return v, ok
}

func (a attrs) Deleted() bool { return a.deleted }

var (
	kwStatus   = revstore.NewKeyword(":bug/status")
	kwPriority = revstore.NewKeyword(":bug/priority")
)

func TestAccept(t *testing.T) {
	open := attrs{values: map[revstore.Keyword]revstore.Value{kwStatus: "open", kwPriority: int64(1)}}
	closed := attrs{values: map[revstore.Keyword]revstore.Value{kwStatus: "closed"}, deleted: true}

	tests := []struct {
		name   string
		f      *Filter
		open   bool
		closed bool
	}{
		{"eq", Eq(kwStatus, "open"), true, false},
		{"eq int normalized", Eq(kwPriority, 1), true, false},
		{"has", Has(kwPriority), true, false},
		{"deleted", Deleted(), false, true},
		{"in", In(kwStatus, "closed", "wontfix"), false, true},
		{"not", Not(Eq(kwStatus, "open")), false, true},
		{"and", And(Eq(kwStatus, "open"), Has(kwPriority)), true, false},
		{"or", Or(Eq(kwStatus, "open"), Deleted()), true, true},
		{"all", All(), true, true},
		{"none", None(), false, false},
		{"func", Func("no-priority", func(a Attributes) bool {
			_, ok := a.Value(kwPriority)
			return !ok
		}), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, tt.f.Accept(open))
			assert.Equal(t, tt.closed, tt.f.Accept(closed))
		})
	}
}

func TestKeysAreCanonical(t *testing.T) {
	a, b := Eq(kwStatus, "open"), Has(kwPriority)
	assert.Equal(t, And(a, b).Key(), And(b, a).Key())
	assert.Equal(t, And(a, And(b, All())).Key(), And(a, b).Key())
	assert.Equal(t, In(kwStatus, "x", "y").Key(), In(kwStatus, "y", "x").Key())
	assert.NotEqual(t, Eq(kwStatus, "1").Key(), Eq(kwStatus, 1).Key())
	assert.Equal(t, a, Not(Not(a)))

	assert.Equal(t, KindNone, And(a, None()).Kind)
	assert.Equal(t, KindAll, Or(a, All()).Kind)
	assert.Same(t, a, Or(a, None()))
}

func TestLeaves(t *testing.T) {
	a, b := Eq(kwStatus, "open"), Has(kwPriority)
	f := Or(And(a, b), Not(a))
	leaves := f.Leaves()
	assert.Len(t, leaves, 2)
}
