package bitmap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
)

// MatchKind tells how an artifact head relates to a subscription's filter
type MatchKind uint8

const (
	// MatchExists is a head that matched when the subscription started
	MatchExists MatchKind = iota
	// MatchAppears is a new head of an artifact that did not match before
	MatchAppears
	// MatchChanges is a new matching head of an artifact that matched before
	MatchChanges
	// MatchDisappears is a new head of a matching artifact that no longer
	// matches
	MatchDisappears
)

func (k MatchKind) String() string {
	switch k {
	case MatchExists:
		return "exists"
	case MatchAppears:
		return "appears"
	case MatchChanges:
		return "changes"
	case MatchDisappears:
		return "disappears"
	}
	return fmt.Sprintf("MatchKind(%d)", uint8(k))
}

// Match is one notification of a subscription
type Match struct {
	Kind     MatchKind
	Artifact uint64
	// Revision is the artifact's head under the subscription's strategy
	Revision *history.Revision
	// WCN is the commit that produced the head change, or the last commit
	// a replay observed
	WCN revstore.WCN
}

// Subscription follows the heads a filter accepts under one strategy
type Subscription struct {
	id       uint64
	mgr      *Manager
	filter   *filter.Filter
	strategy revstore.Strategy
	past     revstore.Range
	future   revstore.Range
	fn       func(Match)

	// mu serializes delivery; matched maps artifact keys to the matching
	// head last delivered
	mu      sync.Mutex
	matched map[uint64]uint64
	closed  atomic.Bool
}

// Past is the part of the requested range that was replayed
func (s *Subscription) Past() revstore.Range { return s.past }

// Future is the part of the requested range delivered as commits arrive
func (s *Subscription) Future() revstore.Range { return s.future }

// Close stops delivery. It may be called from the callback.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) && s.mgr != nil {
		s.mgr.subs.Delete(s.id)
	}
}

// Subscribe reports the heads under strategy that f accepts, restricted to
// commits within r. The part of r already committed is replayed first as
// MatchExists for heads committed inside it; later commits in r are
// delivered as they happen. fn runs on the committing goroutine, in commit
// order, and must not commit itself.
func (m *Manager) Subscribe(ctx context.Context, f *filter.Filter, strategy revstore.Strategy, r revstore.Range, fn func(Match)) (*Subscription, error) {
	if m.closed.Load() {
		return nil, revstore.ErrClosed
	}
	sub := &Subscription{
		id:       m.nextSub.Add(1),
		mgr:      m,
		filter:   f,
		strategy: strategy,
		fn:       fn,
		matched:  make(map[uint64]uint64),
	}
	r = revstore.Intersect(r, revstore.Committed)
	if r.IsNil() {
		sub.past, sub.future = revstore.Nil, revstore.Nil
		sub.closed.Store(true)
		return sub, nil
	}

	m.updateMu.RLock()
	tip := m.log.Tip()
	sub.past, sub.future = revstore.Divide(r, tip.Next())
	var (
		replay []Match
		err    error
	)
	if sub.future.IsNil() {
		replay, err = m.replayHistory(ctx, sub)
		m.updateMu.RUnlock()
		if err != nil {
			return nil, err
		}
		sub.closed.Store(true)
		for _, mt := range replay {
			fn(mt)
		}
		return sub, nil
	}

	replay, err = m.seed(ctx, sub, tip)
	if err != nil {
		m.updateMu.RUnlock()
		return nil, err
	}
	// Hold delivery until the replay is out so commits cannot overtake it.
	sub.mu.Lock()
	m.subs.Store(sub.id, sub)
	m.updateMu.RUnlock()
	defer sub.mu.Unlock()
	for _, mt := range replay {
		if sub.closed.Load() {
			break
		}
		fn(mt)
	}
	m.logger.Debug("subscribed", "filter", f.Key(), "strategy", strategy.String(),
		"past", sub.past.String(), "future", sub.future.String(), "replayed", len(replay))
	return sub, nil
}

// seed evaluates the current matches through the indexes, remembering all
// of them and returning those committed in the past range. The caller
// holds updateMu for reading.
func (m *Manager) seed(ctx context.Context, sub *Subscription, tip revstore.WCN) ([]Match, error) {
	c, err := m.compositeLocked(ctx, sub.filter, sub.strategy)
	if err != nil {
		return nil, err
	}
	var out []Match
	it := c.evaluate().Iterator()
	for it.HasNext() {
		r, err := m.model.Revision(it.Next())
		if err != nil {
			return nil, err
		}
		sub.matched[r.ArtifactKey()] = r.ID()
		if sub.past.Contains(r.WCN()) {
			out = append(out, Match{Kind: MatchExists, Artifact: r.ArtifactKey(), Revision: r, WCN: tip})
		}
	}
	return out, nil
}

// replayHistory handles ranges that ended before the tip. Indexes only
// describe the present, so each artifact's view is read as of the range end.
func (m *Manager) replayHistory(ctx context.Context, sub *Subscription) ([]Match, error) {
	arts, err := m.model.Artifacts()
	if err != nil {
		return nil, err
	}
	through := sub.past.End.StepBack()
	var out []Match
	for _, art := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view, err := art.Chain(sub.strategy)
		if err != nil {
			return nil, fmt.Errorf("artifact %d: %w", art.Key(), err)
		}
		head, err := view.LastAt(through)
		if err != nil {
			return nil, fmt.Errorf("artifact %d: %w", art.Key(), err)
		}
		if head != nil && sub.past.Contains(head.WCN()) && sub.filter.Accept(head) {
			out = append(out, Match{Kind: MatchExists, Artifact: art.Key(), Revision: head, WCN: through})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision.ID() < out[j].Revision.ID() })
	return out, nil
}

// headState is an artifact's head after a commit and whether it matches
type headState struct {
	artifact uint64
	head     *history.Revision
	accepted bool
}

// notice carries one commit's head states to a subscription
type notice struct {
	sub   *Subscription
	wcn   revstore.WCN
	heads []headState
}

// listening returns the subscriptions whose future range holds wcn
func (m *Manager) listening(wcn revstore.WCN) []*Subscription {
	var out []*Subscription
	m.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.future.Contains(wcn) && !sub.closed.Load() {
			out = append(out, sub)
		}
		return true
	})
	return out
}

// notices resolves the heads of the commit's artifacts for each
// subscription. The caller holds updateMu.
func (m *Manager) notices(subs []*Subscription, wcn revstore.WCN, b *batch) []notice {
	if len(subs) == 0 {
		return nil
	}
	keys := make([]uint64, 0, len(b.touched)+len(b.structural))
	arts := make(map[uint64]*history.Artifact, cap(keys))
	for _, set := range []map[uint64]*history.Artifact{b.touched, b.structural} {
		for k, art := range set {
			if _, ok := arts[k]; !ok {
				arts[k] = art
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]notice, 0, len(subs))
	for _, sub := range subs {
		n := notice{sub: sub, wcn: wcn}
		for _, k := range keys {
			head, err := arts[k].LastRevision(sub.strategy)
			if err != nil {
				m.logger.Warn("failed to resolve head for subscription", "artifact", k, "wcn", wcn, "error", err)
				continue
			}
			if head == nil {
				continue
			}
			n.heads = append(n.heads, headState{artifact: k, head: head, accepted: sub.filter.Accept(head)})
		}
		out = append(out, n)
	}
	return out
}

func (s *Subscription) deliver(wcn revstore.WCN, heads []headState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range heads {
		if s.closed.Load() {
			return
		}
		prev, was := s.matched[h.artifact]
		var kind MatchKind
		switch {
		case h.accepted && !was:
			kind = MatchAppears
		case h.accepted && prev != h.head.ID():
			kind = MatchChanges
		case h.accepted:
			continue
		case was:
			kind = MatchDisappears
		default:
			continue
		}
		if h.accepted {
			s.matched[h.artifact] = h.head.ID()
		} else {
			delete(s.matched, h.artifact)
		}
		s.fn(Match{Kind: kind, Artifact: h.artifact, Revision: h.head, WCN: wcn})
	}
	if !s.future.Contains(wcn.Next()) {
		s.Close()
	}
}
