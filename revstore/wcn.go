package revstore

import (
	"fmt"
	"math"
	"strconv"
)

// WCN is the logical commit clock. Every committed transaction gets a WCN
// strictly greater than the one before it, so WCNs totally order commits.
type WCN uint64

const (
	// Earliest precedes every commit.
	Earliest WCN = 0
	// Latest follows every commit.
	Latest WCN = math.MaxUint64
)

var (
	// Eternity covers every WCN.
	Eternity = Range{Start: Earliest, End: Latest}
	// Nil is the canonical empty range.
	Nil = Range{Start: Earliest, End: Earliest}
	// Committed covers every WCN a commit can have.
	Committed = Range{Start: Earliest + 1, End: Latest}
)

// String returns "--" and "++" for the sentinels, the decimal value otherwise
func (w WCN) String() string {
	switch w {
	case Earliest:
		return "--"
	case Latest:
		return "++"
	}
	return strconv.FormatUint(uint64(w), 10)
}

// Before reports whether w is strictly earlier than other
func (w WCN) Before(other WCN) bool {
	return w < other
}

// BeforeOrEqual reports whether w is earlier than or equal to other
func (w WCN) BeforeOrEqual(other WCN) bool {
	return w <= other
}

// StepBack returns the previous WCN, saturating at Earliest
func (w WCN) StepBack() WCN {
	if w == Earliest {
		return w
	}
	return w - 1
}

// Next returns the following WCN, saturating at Latest
func (w WCN) Next() WCN {
	if w == Latest {
		return w
	}
	return w + 1
}

// Max returns the later of two WCNs
func Max(a, b WCN) WCN {
	if a >= b {
		return a
	}
	return b
}

// Range is a half-open interval [Start, End) of WCNs.
type Range struct {
	Start WCN
	End   WCN
}

// NewRange creates a range, rejecting start > end
func NewRange(start, end WCN) (Range, error) {
	if start > end {
		return Range{}, fmt.Errorf("invalid range: start %s > end %s", start, end)
	}
	return Range{Start: start, End: end}, nil
}

// MustRange is NewRange for constant arguments
func MustRange(start, end WCN) Range {
	r, err := NewRange(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// IsNil reports whether the range is empty. All empty ranges are equal.
func (r Range) IsNil() bool {
	return r.Start >= r.End
}

// Contains reports whether start <= w < end
func (r Range) Contains(w WCN) bool {
	if r.IsNil() {
		return false
	}
	return r.Start <= w && w < r.End
}

// Equal compares ranges, treating every empty range as equal
func (r Range) Equal(other Range) bool {
	if r.IsNil() {
		return other.IsNil()
	}
	return r == other
}

func (r Range) String() string {
	return fmt.Sprintf("[%s:%s)", r.Start, r.End)
}

// Intersect returns the overlap of two ranges, or Nil
func Intersect(a, b Range) Range {
	start := Max(a.Start, b.Start)
	end := a.End
	if b.End < end {
		end = b.End
	}
	if start >= end {
		return Nil
	}
	return Range{Start: start, End: end}
}

// Divide splits r at pivot. The pivot is clamped into [r.Start, r.End], so
// the two halves always adjoin and together cover r exactly. Listeners use
// it to separate history already observed from updates still to come.
func Divide(r Range, pivot WCN) (first, second Range) {
	if pivot < r.Start {
		pivot = r.Start
	}
	if pivot > r.End {
		pivot = r.End
	}
	return Range{Start: r.Start, End: pivot}, Range{Start: pivot, End: r.End}
}
