// Package store wires the atom log, the history model, the bitmap indexes
// and the verifier into one embedded database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/atomlog"
	"github.com/wbrown/janus-revstore/revstore/bitmap"
	"github.com/wbrown/janus-revstore/revstore/filter"
	"github.com/wbrown/janus-revstore/revstore/history"
)

const (
	logDirName   = "log"
	indexDirName = "indexes"
)

// Database is an open revision store
type Database struct {
	log      *atomlog.Log
	model    *history.Model
	indexes  *bitmap.Manager
	verifier *bitmap.Verifier
	logger   *slog.Logger
	opts     Options
	closed   atomic.Bool
}

// Open opens or creates a database under dir. The log lives in dir/log and
// the persisted indexes in dir/indexes.
func Open(dir string, opts Options) (*Database, error) {
	opts = opts.withDefaults()
	log, err := atomlog.Open(atomlog.Options{Dir: filepath.Join(dir, logDirName), Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	files, err := bitmap.NewFileManager(filepath.Join(dir, indexDirName), opts.Logger)
	if err != nil {
		log.Close()
		return nil, err
	}
	return open(log, files, opts)
}

// OpenInMemory creates a database that lives only as long as the process.
// Indexes are never persisted.
func OpenInMemory(opts Options) (*Database, error) {
	opts = opts.withDefaults()
	log, err := atomlog.Open(atomlog.Options{InMemory: true, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return open(log, nil, opts)
}

func open(log *atomlog.Log, files *bitmap.FileManager, opts Options) (*Database, error) {
	if opts.Metrics != nil {
		if err := bitmap.RegisterMetrics(opts.Metrics); err != nil {
			log.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	// The model must subscribe before the index manager so that it has
	// invalidated its caches when the manager reads a commit.
	model, err := history.NewModel(log, history.Options{
		Logger:    opts.Logger,
		CacheSize: opts.RevisionCacheSize,
		Policy: history.RetryPolicy{
			Attempts: opts.RescanAttempts,
			Delay:    time.Duration(opts.RescanDelay),
		},
		LenientBase: opts.LenientBase,
		Annotations: opts.Annotations,
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	indexes, err := bitmap.NewManager(model, bitmap.Options{
		Logger:             opts.Logger,
		Files:              files,
		SaveDelay:          time.Duration(opts.IndexSaveDelay),
		RebuildOnOpen:      opts.RebuildIndexes,
		CompositeCacheSize: opts.CompositeCacheSize,
		Annotations:        opts.Annotations,
	})
	if err != nil {
		model.Close()
		log.Close()
		return nil, err
	}
	db := &Database{
		log:     log,
		model:   model,
		indexes: indexes,
		logger:  opts.Logger.With("component", "store"),
		opts:    opts,
	}
	if !opts.Verifier.Disabled {
		db.verifier = bitmap.NewVerifier(indexes, bitmap.VerifierOptions{
			Logger:      opts.Logger,
			QuietPeriod: time.Duration(opts.Verifier.QuietPeriod),
			Work:        time.Duration(opts.Verifier.Work),
			Rest:        time.Duration(opts.Verifier.Rest),
			QueueSize:   opts.Verifier.QueueSize,
			Attempts:    opts.Verifier.Attempts,
			Annotations: opts.Annotations,
		})
	}
	db.logger.Info("database opened", "tip", log.Tip(), "persistent", files != nil)
	return db, nil
}

// Close stops verification, saves dirty indexes and closes the log
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.verifier != nil {
		d.verifier.Close()
	}
	var errs []error
	if err := d.indexes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to save indexes: %w", err))
	}
	d.model.Close()
	if err := d.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log: %w", err))
	}
	return errors.Join(errs...)
}

// Model exposes revisions, chains and artifacts
func (d *Database) Model() *history.Model {
	return d.model
}

// Indexes exposes the bitmap index manager
func (d *Database) Indexes() *bitmap.Manager {
	return d.indexes
}

// Tip is the WCN of the latest commit
func (d *Database) Tip() revstore.WCN {
	return d.log.Tip()
}

// Begin starts a transaction
func (d *Database) Begin() *history.Transaction {
	return d.model.Begin()
}

// Update runs fn in a fresh transaction and commits it, retrying from
// scratch while commits collide. fn must not keep state between attempts.
func (d *Database) Update(fn func(tx *history.Transaction) error) (revstore.WCN, error) {
	if d.closed.Load() {
		return 0, revstore.ErrClosed
	}
	var wcn revstore.WCN
	err := revstore.RepeatUntilNoCollisions(d.opts.CommitAttempts, d.model.InvalidateCaches, func() error {
		tx := d.Begin()
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		var err error
		wcn, err = tx.Commit()
		return err
	})
	return wcn, err
}

// Evaluate returns the ids of the head revisions under strategy that f
// accepts
func (d *Database) Evaluate(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (*roaring64.Bitmap, error) {
	if d.closed.Load() {
		return nil, revstore.ErrClosed
	}
	return d.indexes.Evaluate(ctx, f, strategy)
}

// EvaluateRevisions is Evaluate with the revisions resolved, in id order
func (d *Database) EvaluateRevisions(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) ([]*history.Revision, error) {
	bits, err := d.Evaluate(ctx, f, strategy)
	if err != nil {
		return nil, err
	}
	out := make([]*history.Revision, 0, bits.GetCardinality())
	it := bits.Iterator()
	for it.HasNext() {
		id := it.Next()
		r, err := d.model.Revision(id)
		if err != nil {
			return nil, fmt.Errorf("revision %d: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Subscribe follows the heads under strategy that f accepts within r; see
// bitmap.Manager.Subscribe. Use revstore.Eternity to replay everything and
// keep listening.
func (d *Database) Subscribe(ctx context.Context, f *filter.Filter, strategy revstore.Strategy, r revstore.Range, fn func(bitmap.Match)) (*bitmap.Subscription, error) {
	if d.closed.Load() {
		return nil, revstore.ErrClosed
	}
	return d.indexes.Subscribe(ctx, f, strategy, r, fn)
}

// Verify compares the indexed result of f with a linear scan, repairing
// the indexes on mismatch. It reports whether they agreed.
func (d *Database) Verify(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (bool, error) {
	if d.closed.Load() {
		return false, revstore.ErrClosed
	}
	if d.verifier == nil {
		return false, errors.New("verifier disabled")
	}
	return d.verifier.Verify(ctx, f, strategy)
}

// VerifyAsync queues a verification for when the log goes quiet. report
// may be nil. It returns false when the job was not queued.
func (d *Database) VerifyAsync(f *filter.Filter, strategy revstore.Strategy, report bitmap.Report) bool {
	if d.closed.Load() || d.verifier == nil {
		return false
	}
	return d.verifier.Submit(f, strategy, report)
}

// RebuildIndexes drops every persisted index and rebuilds the live ones
func (d *Database) RebuildIndexes(ctx context.Context) error {
	if d.closed.Load() {
		return revstore.ErrClosed
	}
	return d.indexes.DropAllIndexes(ctx)
}
