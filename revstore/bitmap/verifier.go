package bitmap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/annotations"
	"github.com/wbrown/janus-revstore/revstore/filter"
)

// VerifierOptions configures a Verifier
type VerifierOptions struct {
	Logger *slog.Logger
	// QuietPeriod is how long the log must go without commits before a
	// queued verification runs
	QuietPeriod time.Duration
	// Work and Rest form the duty cycle of linear scans
	Work time.Duration
	Rest time.Duration
	// QueueSize bounds pending verifications; extra jobs are dropped
	QueueSize int
	// Attempts bounds retries when commits land during a comparison
	Attempts    int
	Annotations *annotations.Collector
}

// DefaultVerifierOptions returns the options used when none are given
func DefaultVerifierOptions() VerifierOptions {
	return VerifierOptions{
		QuietPeriod: time.Second,
		Work:        300 * time.Millisecond,
		Rest:        700 * time.Millisecond,
		QueueSize:   1000,
		Attempts:    3,
	}
}

// Report receives the outcome of an asynchronous verification
type Report func(ok bool, err error)

type verifyJob struct {
	filter   *filter.Filter
	strategy revstore.Strategy
	report   Report
}

// Verifier compares bitmap results against linear scans in the background
// and rebuilds composites that disagree.
type Verifier struct {
	mgr    *Manager
	opts   VerifierOptions
	logger *slog.Logger

	jobs   chan verifyJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewVerifier starts the background worker
func NewVerifier(mgr *Manager, opts VerifierOptions) *Verifier {
	defaults := DefaultVerifierOptions()
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaults.QuietPeriod
	}
	if opts.Work <= 0 {
		opts.Work = defaults.Work
	}
	if opts.Rest < 0 {
		opts.Rest = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &Verifier{
		mgr:    mgr,
		opts:   opts,
		logger: opts.Logger.With("component", "verifier"),
		jobs:   make(chan verifyJob, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	v.wg.Add(1)
	go v.run()
	return v
}

// Close stops the worker. Queued jobs are reported as cancelled.
func (v *Verifier) Close() {
	v.cancel()
	v.wg.Wait()
}

// Submit queues a verification of f under strategy. report may be nil.
// It returns false when the queue is full or the verifier is closed.
func (v *Verifier) Submit(f *filter.Filter, strategy revstore.Strategy, report Report) bool {
	if v.ctx.Err() != nil {
		return false
	}
	select {
	case v.jobs <- verifyJob{filter: f, strategy: strategy, report: report}:
		return true
	default:
		v.logger.Debug("verification queue full, dropping job", "filter", f.Key())
		return false
	}
}

func (v *Verifier) run() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			v.drain()
			return
		case job := <-v.jobs:
			if err := v.waitQuiet(); err != nil {
				job.done(false, err)
				v.drain()
				return
			}
			ok, err := v.Verify(v.ctx, job.filter, job.strategy)
			job.done(ok, err)
		}
	}
}

func (j verifyJob) done(ok bool, err error) {
	if j.report != nil {
		j.report(ok, err)
	}
}

func (v *Verifier) drain() {
	for {
		select {
		case job := <-v.jobs:
			job.done(false, context.Canceled)
		default:
			return
		}
	}
}

// waitQuiet blocks until no commit has been seen for the quiet period
func (v *Verifier) waitQuiet() error {
	for {
		last := v.mgr.LastCommit()
		wait := v.opts.QuietPeriod - time.Since(last)
		if last.IsZero() || wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-v.ctx.Done():
			t.Stop()
			return v.ctx.Err()
		case <-t.C:
		}
	}
}

// Verify compares the bitmap result of f under strategy with a linear scan.
// On mismatch it rebuilds the composite and returns false. It blocks for
// the duration of the scan and any rebuild.
func (v *Verifier) Verify(ctx context.Context, f *filter.Filter, strategy revstore.Strategy) (bool, error) {
	start := time.Now()
	comp, err := v.mgr.Composite(ctx, f, strategy)
	if err != nil {
		return false, err
	}
	var indexed, scanned *roaring64.Bitmap
	stable := false
	for attempt := 0; attempt < v.opts.Attempts && !stable; attempt++ {
		tip := v.mgr.log.Tip()
		if indexed, err = v.mgr.Evaluate(ctx, f, strategy); err != nil {
			return false, err
		}
		pace := &throttle{work: v.opts.Work, rest: v.opts.Rest, started: time.Now()}
		if scanned, err = v.mgr.linearScan(ctx, f, strategy, pace); err != nil {
			return false, err
		}
		stable = v.mgr.log.Tip() == tip
	}
	if !stable {
		v.logger.Debug("log kept moving, verification inconclusive", "filter", f.Key(), "strategy", strategy)
		return true, nil
	}

	missing := roaring64.AndNot(scanned, indexed)
	extra := roaring64.AndNot(indexed, scanned)
	ok := missing.IsEmpty() && extra.IsEmpty()
	result := "ok"
	if !ok {
		result = "mismatch"
	}
	verifications.WithLabelValues(strategy.String(), result).Inc()
	v.opts.Annotations.AddTiming(annotations.IndexVerified, start, map[string]interface{}{
		"filter":   f.Key(),
		"strategy": strategy.String(),
		"ok":       ok,
		"matches":  scanned.GetCardinality(),
		"missing":  missing.GetCardinality(),
		"extra":    extra.GetCardinality(),
	})
	if ok {
		return true, nil
	}

	v.logger.Warn("index corrupt, rebuilding",
		"filter", f.Key(), "strategy", strategy,
		"missing", missing.GetCardinality(), "extra", extra.GetCardinality())
	if err := comp.Rebuild(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// throttle limits a scan to a work/rest duty cycle. A nil throttle never
// pauses.
type throttle struct {
	work    time.Duration
	rest    time.Duration
	started time.Time
}

func (t *throttle) pause(ctx context.Context) error {
	if t == nil || t.rest <= 0 || time.Since(t.started) < t.work {
		return nil
	}
	timer := time.NewTimer(t.rest)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	t.started = time.Now()
	return nil
}
