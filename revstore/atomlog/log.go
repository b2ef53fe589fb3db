// Package atomlog is an append-only, WCN-ordered log of immutable atoms
// stored in BadgerDB.
package atomlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/wbrown/janus-revstore/revstore"
)

// StopScan may be returned by a ScanBackward callback to end the scan early
// without error.
var StopScan = errors.New("stop scan")

// Reader is the read side of the log
type Reader interface {
	// Tip is the WCN of the most recent commit
	Tip() revstore.WCN
	// MaxAtomID is the highest committed atom id
	MaxAtomID() uint64
	Atom(id uint64) (*revstore.Atom, error)
	// Search returns ids of atoms whose junction key refers to ref, most
	// recently committed first.
	Search(key revstore.Keyword, ref uint64) ([]uint64, error)
	// First is the most recent result of Search, or 0
	First(key revstore.Keyword, ref uint64) (uint64, error)
	// ScanBackward visits atoms committed at or after since, newest first
	ScanBackward(ctx context.Context, since revstore.WCN, fn func(*revstore.Atom) error) error
}

// Listener receives every committed transaction in commit order
type Listener func(wcn revstore.WCN, atoms []*revstore.Atom)

// Options configures a Log
type Options struct {
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Log implements Reader on top of BadgerDB
type Log struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	commitMu sync.Mutex
	tip      atomic.Uint64
	maxID    atomic.Uint64
	closed   atomic.Bool

	listenersMu sync.Mutex
	listeners   []*listenerEntry
}

type listenerEntry struct {
	fn Listener
}

// Open opens or creates a log
func Open(opts Options) (*Log, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("atomlog: directory required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts.Logger = nil
	bopts.DetectConflicts = false // commits are serialized by commitMu
	bopts.ValueThreshold = 1 << 10

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence(keySequence, 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open atom id sequence: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{db: db, seq: seq, logger: logger.With("component", "atomlog")}

	err = db.View(func(txn *badger.Txn) error {
		tip, err := readMeta(txn, keyTip)
		if err != nil {
			return err
		}
		maxID, err := readMeta(txn, keyMaxAtomID)
		if err != nil {
			return err
		}
		l.tip.Store(tip)
		l.maxID.Store(maxID)
		return nil
	})
	if err != nil {
		seq.Release()
		db.Close()
		return nil, fmt.Errorf("failed to read log metadata: %w", err)
	}
	l.logger.Debug("log opened", "tip", revstore.WCN(l.tip.Load()), "maxAtomID", l.maxID.Load())
	return l, nil
}

func readMeta(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("meta %s: bad length %d", key, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

// Close releases the log. Pending transactions fail with ErrClosed.
func (l *Log) Close() error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.seq.Release(); err != nil {
		l.logger.Warn("failed to release id sequence", "error", err)
	}
	return l.db.Close()
}

// Tip returns the WCN of the last commit
func (l *Log) Tip() revstore.WCN {
	return revstore.WCN(l.tip.Load())
}

// MaxAtomID returns the highest committed atom id
func (l *Log) MaxAtomID() uint64 {
	return l.maxID.Load()
}

func (l *Log) nextID() (uint64, error) {
	for {
		id, err := l.seq.Next()
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
	}
}

// Atom loads an atom by id
func (l *Log) Atom(id uint64) (*revstore.Atom, error) {
	if l.closed.Load() {
		return nil, revstore.ErrClosed
	}
	var atom *revstore.Atom
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(atomKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("atom %d: %w", id, revstore.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			atom, err = decodeAtom(id, val)
			return err
		})
	})
	return atom, err
}

// Search returns the ids of atoms whose key junction refers to ref
func (l *Log) Search(key revstore.Keyword, ref uint64) ([]uint64, error) {
	var ids []uint64
	err := l.searchEach(key, ref, func(id uint64) bool {
		ids = append(ids, id)
		return true
	})
	return ids, err
}

// First returns the most recent atom whose key junction refers to ref
func (l *Log) First(key revstore.Keyword, ref uint64) (uint64, error) {
	var first uint64
	err := l.searchEach(key, ref, func(id uint64) bool {
		first = id
		return false
	})
	return first, err
}

func (l *Log) searchEach(key revstore.Keyword, ref uint64, fn func(uint64) bool) error {
	if l.closed.Load() {
		return revstore.ErrClosed
	}
	prefix := refPrefix(key, ref)
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := decodeRefKeyID(len(prefix), it.Item().Key())
			if err != nil {
				return err
			}
			if !fn(id) {
				return nil
			}
		}
		return nil
	})
}

// ScanBackward visits atoms with WCN >= since, newest commit first. The
// context is polled between atoms.
func (l *Log) ScanBackward(ctx context.Context, since revstore.WCN, fn func(*revstore.Atom) error) error {
	if l.closed.Load() {
		return revstore.ErrClosed
	}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixWCN
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixWCN); it.ValidForPrefix(prefixWCN); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			wcn, id, err := decodeWCNKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			if wcn < since {
				return nil
			}
			item, err := txn.Get(atomKey(id))
			if err != nil {
				return fmt.Errorf("atom %d listed at %s: %w", id, wcn, err)
			}
			var atom *revstore.Atom
			if err := item.Value(func(val []byte) error {
				atom, err = decodeAtom(id, val)
				return err
			}); err != nil {
				return err
			}
			if err := fn(atom); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, StopScan) {
		return nil
	}
	return err
}

// AddListener registers fn for every future commit and returns the tip at
// registration. Commits up to and including that tip are not delivered.
func (l *Log) AddListener(fn Listener) (remove func(), tip revstore.WCN) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	entry := &listenerEntry{fn: fn}
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, entry)
	l.listenersMu.Unlock()
	return func() {
		l.listenersMu.Lock()
		defer l.listenersMu.Unlock()
		for i, e := range l.listeners {
			if e == entry {
				l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
				return
			}
		}
	}, l.Tip()
}

func (l *Log) snapshotListeners() []*listenerEntry {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	out := make([]*listenerEntry, len(l.listeners))
	copy(out, l.listeners)
	return out
}

// commit is called by Txn.Commit
func (l *Log) commit(t *Txn) (revstore.WCN, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	if l.closed.Load() {
		return 0, revstore.ErrClosed
	}
	for _, verify := range t.verifiers {
		if err := verify(l); err != nil {
			if errors.Is(err, revstore.ErrCollision) {
				return 0, err
			}
			return 0, fmt.Errorf("%w: %w", revstore.ErrCollision, err)
		}
	}
	if len(t.atoms) == 0 {
		return l.Tip(), nil
	}

	wcn := l.Tip() + 1
	maxID := l.maxID.Load()
	for _, a := range t.atoms {
		a.WCN = wcn
		if a.ID > maxID {
			maxID = a.ID
		}
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		for _, a := range t.atoms {
			data, err := encodeAtom(a)
			if err != nil {
				return err
			}
			if err := txn.Set(atomKey(a.ID), data); err != nil {
				return fmt.Errorf("failed to write atom %d: %w", a.ID, err)
			}
			if err := txn.Set(wcnKey(wcn, a.ID), nil); err != nil {
				return fmt.Errorf("failed to write wcn index: %w", err)
			}
			for _, j := range a.Junctions {
				ref, ok := j.Value.(revstore.Ref)
				if !ok {
					continue
				}
				if err := txn.Set(refKey(j.Key, uint64(ref), wcn, a.ID), nil); err != nil {
					return fmt.Errorf("failed to write reference index: %w", err)
				}
			}
		}
		if err := txn.Set(keyTip, u64(uint64(wcn))); err != nil {
			return err
		}
		return txn.Set(keyMaxAtomID, u64(maxID))
	})
	if err != nil {
		return 0, fmt.Errorf("commit %s: %w", wcn, err)
	}

	l.maxID.Store(maxID)
	l.tip.Store(uint64(wcn))

	committed := make([]*revstore.Atom, len(t.atoms))
	copy(committed, t.atoms)
	for _, e := range l.snapshotListeners() {
		e.fn(wcn, committed)
	}
	return wcn, nil
}
