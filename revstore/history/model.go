// Package history implements revisions, chains and artifacts on top of the
// atom log, including per-artifact branching into a main chain and local
// chains ("RCB").
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
)

// Log is what the model needs from the atom log
type Log interface {
	atomlog.Reader
	Begin() *atomlog.Txn
	AddListener(fn atomlog.Listener) (remove func(), tip revstore.WCN)
}

// ConsistencyPolicy decides what happens when a rescan finds structural
// damage. Returning nil retries the rescan; returning an error escalates.
type ConsistencyPolicy interface {
	Handle(err error, attempt int) error
}

// RetryPolicy retries up to Attempts times, sleeping Delay between tries,
// then escalates the last error.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) Handle(err error, attempt int) error {
	if attempt >= p.Attempts {
		return err
	}
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	return nil
}

// Options configures a Model
type Options struct {
	Logger *slog.Logger
	// CacheSize bounds the materialized revision cache
	CacheSize int
	Policy    ConsistencyPolicy
	// LenientBase makes a stale expected base on an open local chain a
	// logged warning instead of ErrStaleBase.
	LenientBase bool
	Annotations *annotations.Collector
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		CacheSize: 4096,
		Policy:    RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond},
	}
}

// Model resolves revisions, chains and artifacts from the atom log
type Model struct {
	log       Log
	logger    *slog.Logger
	cache     *lru.Cache[uint64, *Revision]
	artifacts *xsync.MapOf[uint64, *Artifact]
	policy    ConsistencyPolicy
	lenient   bool
	notes     *annotations.Collector
	remove    func()
}

// NewModel creates a model over log and starts tracking commits
func NewModel(log Log, opts Options) (*Model, error) {
	defaults := DefaultOptions()
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.Policy == nil {
		opts.Policy = defaults.Policy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[uint64, *Revision](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create revision cache: %w", err)
	}
	m := &Model{
		log:       log,
		logger:    opts.Logger.With("component", "history"),
		cache:     cache,
		artifacts: xsync.NewMapOf[uint64, *Artifact](),
		policy:    opts.Policy,
		lenient:   opts.LenientBase,
		notes:     opts.Annotations,
	}
	m.remove, _ = log.AddListener(m.onCommit)
	return m, nil
}

// Close stops tracking commits
func (m *Model) Close() {
	if m.remove != nil {
		m.remove()
	}
}

// Log returns the underlying atom log
func (m *Model) Log() Log {
	return m.log
}

// onCommit marks artifacts whose binder list changed
func (m *Model) onCommit(_ revstore.WCN, atoms []*revstore.Atom) {
	for _, a := range atoms {
		key := a.Ref(KwBinderArtifact)
		if key == 0 {
			continue
		}
		if art, ok := m.artifacts.Load(key); ok {
			art.invalidate()
		}
	}
}

// InvalidateCaches drops memoized branching snapshots. Revisions are
// immutable and stay cached.
func (m *Model) InvalidateCaches() {
	m.artifacts.Range(func(_ uint64, art *Artifact) bool {
		art.invalidate()
		return true
	})
}

// Revision materializes the revision stored in atom id
func (m *Model) Revision(id uint64) (*Revision, error) {
	if id == 0 {
		return nil, fmt.Errorf("revision 0: %w", revstore.ErrNotFound)
	}
	if r, ok := m.cache.Get(id); ok {
		return r, nil
	}

	// Walk back to the nearest full or cached revision, then apply deltas
	// forward.
	var pending []*revstore.Atom
	var base *Revision
	next := id
	for next != 0 {
		if r, ok := m.cache.Get(next); ok {
			base = r
			break
		}
		a, err := m.log.Atom(next)
		if err != nil {
			return nil, err
		}
		pending = append(pending, a)
		if a.Bool(KwFull) || !IsRevisionAtom(a) {
			break
		}
		next = a.Ref(KwPrev)
	}
	var r *Revision
	for i := len(pending) - 1; i >= 0; i-- {
		var err error
		r, err = materialize(pending[i], base)
		if err != nil {
			return nil, err
		}
		m.cache.Add(r.id, r)
		base = r
	}
	if r == nil {
		return base, nil
	}
	return r, nil
}

// RevisionFromAtom materializes a revision for an atom already loaded
func (m *Model) RevisionFromAtom(a *revstore.Atom) (*Revision, error) {
	if r, ok := m.cache.Get(a.ID); ok {
		return r, nil
	}
	if !IsRevisionAtom(a) {
		return nil, fmt.Errorf("atom %d is not a revision: %w", a.ID, revstore.ErrNotFound)
	}
	if a.Bool(KwFull) {
		r, err := materialize(a, nil)
		if err != nil {
			return nil, err
		}
		m.cache.Add(r.id, r)
		return r, nil
	}
	return m.Revision(a.ID)
}

// Chain returns the physical chain starting at id
func (m *Model) Chain(id uint64) *Chain {
	return &Chain{model: m, id: id}
}

// Artifact returns the artifact keyed by the id of its first revision
func (m *Model) Artifact(key uint64) (*Artifact, error) {
	if art, ok := m.artifacts.Load(key); ok {
		return art, nil
	}
	a, err := m.log.Atom(key)
	if err != nil {
		return nil, fmt.Errorf("artifact %d: %w", key, err)
	}
	if !a.Has(KwRoot) || a.Ref(KwArtifact) != key {
		return nil, fmt.Errorf("atom %d is not an artifact: %w", key, revstore.ErrNotFound)
	}
	art := newArtifact(m, key, a.Bool(KwBranching))
	actual, _ := m.artifacts.LoadOrStore(key, art)
	return actual, nil
}

// ArtifactOf returns the artifact a revision belongs to
func (m *Model) ArtifactOf(rev *Revision) (*Artifact, error) {
	return m.Artifact(rev.ArtifactKey())
}

// ArtifactOfAtom returns the artifact a revision, binder, link or merge atom
// belongs to. ok is false for unrelated atoms.
func (m *Model) ArtifactOfAtom(a *revstore.Atom) (art *Artifact, ok bool, err error) {
	var key uint64
	switch {
	case a.Has(KwArtifact):
		key = a.Ref(KwArtifact)
	case a.Has(KwBinderArtifact):
		key = a.Ref(KwBinderArtifact)
	case a.Has(KwLinkLocalChain):
		key, err = m.chainArtifact(a.Ref(KwLinkLocalChain))
	case a.Has(KwMergeLocalChain):
		key, err = m.chainArtifact(a.Ref(KwMergeLocalChain))
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	art, err = m.Artifact(key)
	if err != nil {
		return nil, false, err
	}
	return art, true, nil
}

func (m *Model) chainArtifact(chain uint64) (uint64, error) {
	first, err := m.Revision(chain)
	if err != nil {
		return 0, err
	}
	return first.ArtifactKey(), nil
}

// ArtifactKeys lists every artifact in the log, oldest first
func (m *Model) ArtifactKeys() ([]uint64, error) {
	keys, err := m.log.Search(KwRoot, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Artifacts returns every artifact in the log
func (m *Model) Artifacts() ([]*Artifact, error) {
	keys, err := m.ArtifactKeys()
	if err != nil {
		return nil, err
	}
	out := make([]*Artifact, 0, len(keys))
	for _, k := range keys {
		art, err := m.Artifact(k)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, nil
}

// RevisionIn returns the revision if it is part of its artifact's view
// under strategy, and ok=false otherwise.
func (m *Model) RevisionIn(id uint64, strategy revstore.Strategy) (rev *Revision, ok bool, err error) {
	rev, err = m.Revision(id)
	if err != nil {
		if errors.Is(err, revstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	art, err := m.ArtifactOf(rev)
	if err != nil {
		return nil, false, err
	}
	view, err := art.Chain(strategy)
	if err != nil {
		return nil, false, err
	}
	ok, err = view.Contains(rev)
	if err != nil || !ok {
		return nil, false, err
	}
	return rev, true, nil
}

// IsHead reports whether rev is its artifact's current last revision under
// strategy
func (m *Model) IsHead(rev *Revision, strategy revstore.Strategy) (bool, error) {
	art, err := m.ArtifactOf(rev)
	if err != nil {
		return false, err
	}
	head, err := art.LastRevision(strategy)
	if err != nil {
		return false, err
	}
	return head != nil && head.ID() == rev.ID(), nil
}
