package bitmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
)

// Options configures a Manager
type Options struct {
	Logger *slog.Logger
	// Files persists indexes; nil keeps them in memory only
	Files *FileManager
	// SaveDelay debounces index saves
	SaveDelay time.Duration
	// RebuildOnOpen discards persisted indexes at startup
	RebuildOnOpen bool
	// CompositeCacheSize bounds the number of cached composite trees
	CompositeCacheSize int
	Annotations        *annotations.Collector
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		SaveDelay:          2 * time.Second,
		CompositeCacheSize: 256,
	}
}

// Manager owns every leaf index and keeps them in step with the log.
//
// updateMu is held for writing only while a commit batch is applied to the
// live leaves. Building, rolling forward, querying and saving hold it for
// reading. It is always taken before any leaf's own lock.
type Manager struct {
	model  *history.Model
	log    history.Log
	logger *slog.Logger
	files  *FileManager
	notes  *annotations.Collector

	updateMu sync.RWMutex

	mapMu      sync.Mutex
	leaves     map[IndexKey]*Leaf
	composites *lru.Cache[compositeKey, *Composite]

	// buildMu serializes leaf construction and roll-forward
	buildMu sync.Mutex

	saver      *saver
	remove     func()
	lastCommit atomic.Int64
	closed     atomic.Bool

	subs    *xsync.MapOf[uint64, *Subscription]
	nextSub atomic.Uint64
}

// compositeKey names a cached composite; unlike filter leaves, composites
// are per strategy
type compositeKey struct {
	filter   string
	strategy revstore.Strategy
}

// NewManager creates a manager over model and starts following commits.
// The model must have been created on the same log first, so that its
// caches are invalidated before the manager reads them.
func NewManager(model *history.Model, opts Options) (*Manager, error) {
	defaults := DefaultOptions()
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = defaults.SaveDelay
	}
	if opts.CompositeCacheSize <= 0 {
		opts.CompositeCacheSize = defaults.CompositeCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	composites, err := lru.New[compositeKey, *Composite](opts.CompositeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create composite cache: %w", err)
	}
	m := &Manager{
		model:      model,
		log:        model.Log(),
		logger:     opts.Logger.With("component", "bitmap"),
		files:      opts.Files,
		notes:      opts.Annotations,
		leaves:     make(map[IndexKey]*Leaf),
		composites: composites,
		subs:       xsync.NewMapOf[uint64, *Subscription](),
	}
	if opts.RebuildOnOpen && m.files != nil {
		m.logger.Info("dropping persisted indexes")
		if err := m.files.DropAll(); err != nil {
			return nil, err
		}
	}
	m.saver = newSaver(opts.SaveDelay, m.saveLeaves)
	m.remove, _ = m.log.AddListener(m.onCommit)
	return m, nil
}

// Close stops following commits and writes every dirty index
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.remove != nil {
		m.remove()
	}
	m.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.Close()
		return true
	})
	pending := m.saver.stop()
	for _, l := range m.Indexes() {
		if l.IsDirty() {
			pending = append(pending, l)
		}
	}
	return m.saveLeaves(pending)
}

// LastCommit is when the manager last saw a commit, zero if never
func (m *Manager) LastCommit() time.Time {
	ns := m.lastCommit.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Indexes returns the live leaf indexes ordered by key
func (m *Manager) Indexes() []*Leaf {
	m.mapMu.Lock()
	out := make([]*Leaf, 0, len(m.leaves))
	for _, l := range m.leaves {
		out = append(out, l)
	}
	m.mapMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

// Leaf returns the index for a leaf filter, building it when needed. One
// index serves every strategy.
func (m *Manager) Leaf(ctx context.Context, f *filter.Filter) (*Leaf, error) {
	if f.Kind != filter.KindLeaf {
		return nil, fmt.Errorf("filter %s is not a leaf", f.Key())
	}
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	return m.leafLocked(ctx, FilterKey(f), f)
}

// LastRevisionIndex returns the head index for strategy
func (m *Manager) LastRevisionIndex(ctx context.Context, strategy revstore.Strategy) (*Leaf, error) {
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	return m.leafLocked(ctx, LastRevisionKey(strategy), nil)
}

// leafLocked returns a current leaf for key. f is nil for head indexes.
// The caller holds updateMu for reading.
func (m *Manager) leafLocked(ctx context.Context, key IndexKey, f *filter.Filter) (*Leaf, error) {
	if m.closed.Load() {
		return nil, revstore.ErrClosed
	}
	m.mapMu.Lock()
	l := m.leaves[key]
	m.mapMu.Unlock()
	if l != nil && l.current(m.log.Tip()) {
		return l, nil
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	m.mapMu.Lock()
	l = m.leaves[key]
	m.mapMu.Unlock()
	fresh := l == nil
	if fresh {
		if f == nil {
			l = newLastRevisionLeaf(m.model, key.Strategy)
		} else {
			l = newFilterLeaf(m.model, f)
		}
		m.loadLeaf(l)
	}
	if err := m.rollForward(ctx, l); err != nil {
		return nil, err
	}
	if fresh {
		m.mapMu.Lock()
		m.leaves[key] = l
		m.mapMu.Unlock()
	}
	return l, nil
}

func (m *Manager) loadLeaf(l *Leaf) {
	if m.files == nil {
		return
	}
	start := time.Now()
	info, err := m.files.Load(l.key)
	if err != nil {
		m.logger.Warn("failed to load index, rebuilding", "index", l.key.String(), "error", err)
		loadFailures.Inc()
		m.notes.AddTiming(annotations.IndexLoadFailed, start, map[string]interface{}{
			"index": l.key.String(),
			"error": err.Error(),
		})
		return
	}
	l.load(info)
}

func (m *Manager) rollForward(ctx context.Context, l *Leaf) error {
	if err := l.rollForward(ctx, m.log, m.notes); err != nil {
		return err
	}
	if l.IsDirty() {
		m.saver.schedule(l)
	}
	return nil
}

// onCommit applies one commit to every live leaf under the write lock,
// then notifies subscriptions outside it
func (m *Manager) onCommit(wcn revstore.WCN, atoms []*revstore.Atom) {
	m.lastCommit.Store(time.Now().UnixNano())
	for _, n := range m.applyCommit(wcn, atoms) {
		n.sub.deliver(n.wcn, n.heads)
	}
}

func (m *Manager) applyCommit(wcn revstore.WCN, atoms []*revstore.Atom) []notice {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	var leaves []*Leaf
	for _, l := range m.Indexes() {
		if l.live() {
			leaves = append(leaves, l)
		}
	}
	subs := m.listening(wcn)
	if len(leaves) == 0 && len(subs) == 0 {
		return nil
	}
	b, err := m.collect(atoms)
	if err != nil {
		m.logger.Warn("failed to read commit, invalidating indexes", "wcn", wcn, "error", err)
		for _, l := range leaves {
			l.invalidate()
		}
		return nil
	}
	commitBatchSize.Observe(float64(len(b.revisions)))
	for _, l := range leaves {
		if err := l.update(b, wcn); err != nil {
			m.logger.Warn("index update failed, invalidating index", "index", l.key.String(), "wcn", wcn, "error", err)
			l.invalidate()
			continue
		}
		l.AdvanceWatermark(wcn)
		if l.IsDirty() {
			m.saver.schedule(l)
		}
	}
	return m.notices(subs, wcn, b)
}

// collect resolves the revisions and affected artifacts of a commit
func (m *Manager) collect(atoms []*revstore.Atom) (*batch, error) {
	b := &batch{
		touched:    make(map[uint64]*history.Artifact),
		structural: make(map[uint64]*history.Artifact),
	}
	for _, a := range atoms {
		if history.IsRevisionAtom(a) {
			r, err := m.model.RevisionFromAtom(a)
			if err != nil {
				return nil, err
			}
			b.revisions = append(b.revisions, r)
		}
		art, ok, err := m.model.ArtifactOfAtom(a)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if history.IsStructuralAtom(a) {
			b.structural[art.Key()] = art
		} else {
			b.touched[art.Key()] = art
		}
	}
	return b, nil
}

// saveLeaves writes leaves under the read lock
func (m *Manager) saveLeaves(leaves []*Leaf) error {
	if m.files == nil || len(leaves) == 0 {
		return nil
	}
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	var errs []error
	for _, l := range leaves {
		if err := m.saveLeaf(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) saveLeaf(l *Leaf) error {
	if !l.live() {
		return nil
	}
	start := time.Now()
	info := l.persistState()
	if err := m.files.Save(l.key, info); err != nil {
		l.markDirty()
		saves.WithLabelValues("error").Inc()
		m.logger.Warn("failed to save index", "index", l.key.String(), "error", err)
		return err
	}
	saves.WithLabelValues("ok").Inc()
	m.notes.AddTiming(annotations.IndexSaved, start, map[string]interface{}{
		"index":     l.key.String(),
		"bits":      info.Bits.GetCardinality(),
		"watermark": info.Watermark,
	})
	return nil
}

// Composite returns the cached index tree for f under strategy
func (m *Manager) Composite(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*Composite, error) {
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	return m.compositeLocked(ctx, f, strategy)
}

func (m *Manager) compositeLocked(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*Composite, error) {
	key := compositeKey{filter: f.Key(), strategy: strategy}
	if c, ok := m.composites.Get(key); ok {
		// Leaves may have fallen behind or been dropped since.
		for _, l := range c.Leaves() {
			if _, err := m.leafLocked(ctx, l.key, l.pred); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	c, err := m.buildComposite(ctx, f, strategy)
	if err != nil {
		return nil, err
	}
	m.composites.Add(key, c)
	return c, nil
}

// Evaluate returns the ids of the revisions that are current heads under
// strategy and are accepted by f
func (m *Manager) Evaluate(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*roaring64.Bitmap, error) {
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	c, err := m.compositeLocked(ctx, f, strategy)
	if err != nil {
		return nil, err
	}
	return c.evaluate(), nil
}

// LinearScan computes what Evaluate should return by visiting every
// artifact, without touching any index
func (m *Manager) LinearScan(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*roaring64.Bitmap, error) {
	return m.linearScan(ctx, f, strategy, nil)
}

func (m *Manager) linearScan(ctx context.Context, f *filter.Filter, strategy revstore.Strategy, pace *throttle) (*roaring64.Bitmap, error) {
	arts, err := m.model.Artifacts()
	if err != nil {
		return nil, err
	}
	out := roaring64.New()
	for _, art := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := pace.pause(ctx); err != nil {
			return nil, err
		}
		head, err := art.LastRevision(strategy)
		if err != nil {
			return nil, fmt.Errorf("artifact %d: %w", art.Key(), err)
		}
		if head != nil && f.Accept(head) {
			out.Add(head.ID())
		}
	}
	return out, nil
}

// RebuildIndex builds l again from Earliest. Queries keep reading the old
// bits until the new ones are installed.
func (m *Manager) RebuildIndex(ctx context.Context, l *Leaf) error {
	m.updateMu.RLock()
	defer m.updateMu.RUnlock()
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	return m.rebuildLocked(ctx, l)
}

func (m *Manager) rebuildLocked(ctx context.Context, l *Leaf) error {
	start := time.Now()
	m.logger.Debug("rebuilding index", "index", l.key.String())
	l.invalidate()
	if err := m.rollForward(ctx, l); err != nil {
		return err
	}
	rebuilds.WithLabelValues(l.kind.String()).Inc()
	m.notes.AddTiming(annotations.IndexRebuilt, start, map[string]interface{}{
		"index": l.key.String(),
		"bits":  l.Cardinality(),
	})
	return nil
}

// DropAllIndexes deletes every persisted index and rebuilds the live ones.
// Commits wait until it finishes.
func (m *Manager) DropAllIndexes(ctx context.Context) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if m.files != nil {
		if err := m.files.DropAll(); err != nil {
			return err
		}
	}
	for _, l := range m.Indexes() {
		if err := m.rebuildLocked(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
