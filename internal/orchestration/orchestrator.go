// Package orchestration drives the sync loop: scan the image directory,
// upload what is new, and embed until nothing is pending.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/assetstore"
	"github.com/nucleus/imageindex/internal/backfill"
	"github.com/nucleus/imageindex/internal/reconcile"
	"github.com/nucleus/imageindex/internal/retry"
)

// DefaultInterval is the pause between cycles.
const DefaultInterval = time.Second

// ErrMaxCyclesReached is returned when MaxCycles cycles ran and rows are
// still pending.
var ErrMaxCyclesReached = errors.New("max sync cycles reached with rows still pending")

// Phase names one state of the sync loop.
type Phase string

const (
	PhaseScan         Phase = "SCAN"
	PhaseUpload       Phase = "UPLOAD"
	PhaseCountPending Phase = "COUNT_PENDING"
	PhaseEmbed        Phase = "EMBED"
	PhaseRescanUpload Phase = "RESCAN_UPLOAD"
	PhaseSleep        Phase = "SLEEP"
	PhaseDone         Phase = "DONE"
)

// Options configures an Orchestrator.
type Options struct {
	// Interval is slept between cycles. Zero means DefaultInterval.
	Interval time.Duration
	// MaxCycles bounds the number of cycles. Zero means unbounded.
	MaxCycles  int
	StoreRetry *retry.Policy
	Logger     *zap.Logger

	// Sleep replaces the interval timer, mainly for tests.
	Sleep retry.Sleeper
	// OnPhase is called when the loop enters a phase.
	OnPhase func(runID string, phase Phase)
}

// CycleSummary reports one pass through the loop.
type CycleSummary struct {
	RunID    string
	Upload   reconcile.Report
	Rescan   reconcile.Report
	Embed    backfill.Report
	Pending  int64
	Duration time.Duration
}

// Summary reports a whole run.
type Summary struct {
	Cycles       int
	Uploaded     int
	UploadFailed int
	Embedded     int
	EmbedFailed  int
	Pending      int64
	History      []CycleSummary
}

func (s *Summary) add(c CycleSummary) {
	s.Cycles++
	s.Uploaded += c.Upload.Uploaded + c.Rescan.Uploaded
	s.UploadFailed += c.Upload.Failed + c.Rescan.Failed
	s.Embedded += c.Embed.Succeeded
	s.EmbedFailed += c.Embed.Failed
	s.Pending = c.Pending
	s.History = append(s.History, c)
}

// Orchestrator sequences scanner, uploader, and backfill worker. It runs one
// phase at a time; concurrency lives inside the phases.
type Orchestrator struct {
	scanner  *reconcile.Scanner
	uploader *reconcile.Uploader
	worker   *backfill.Worker
	store    assetstore.Store
	opts     Options
	log      *zap.Logger

	storeRetry retry.Policy
}

// New builds an Orchestrator over already constructed phases.
func New(scanner *reconcile.Scanner, uploader *reconcile.Uploader, worker *backfill.Worker, store assetstore.Store, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Wait
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		scanner:  scanner,
		uploader: uploader,
		worker:   worker,
		store:    store,
		opts:     opts,
		log:      log,
	}
	if opts.StoreRetry != nil {
		o.storeRetry = *opts.StoreRetry
	} else {
		o.storeRetry = retry.NewPolicy(retry.StoreDelays, assetstore.IsRetryable)
	}
	return o
}

// Run loops until no row is pending, ctx is done, a phase fails, or
// MaxCycles is reached.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	started := time.Now()

	for {
		cycle, done, err := o.runCycle(ctx, summary.Cycles+1)
		summary.add(cycle)
		if err != nil {
			return summary, err
		}
		if done {
			o.log.Info("sync finished",
				zap.Int("cycles", summary.Cycles),
				zap.Int("uploaded", summary.Uploaded),
				zap.Int("embedded", summary.Embedded),
				zap.Int("embed_failed", summary.EmbedFailed),
				zap.Duration("elapsed", time.Since(started)))
			return summary, nil
		}
		if o.opts.MaxCycles > 0 && summary.Cycles >= o.opts.MaxCycles {
			return summary, fmt.Errorf("%w: %d pending after %d cycles", ErrMaxCyclesReached, summary.Pending, summary.Cycles)
		}

		o.enter(cycle.RunID, PhaseSleep)
		if err := o.opts.Sleep(ctx, o.opts.Interval); err != nil {
			return summary, err
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, n int) (cycle CycleSummary, done bool, err error) {
	cycle.RunID = uuid.NewString()
	start := time.Now()
	log := o.log.With(zap.String("run_id", cycle.RunID), zap.Int("cycle", n))
	defer func() { cycle.Duration = time.Since(start) }()

	cycle.Upload, err = o.scanAndUpload(ctx, cycle.RunID, PhaseScan, log)
	if err != nil {
		return cycle, false, err
	}

	o.enter(cycle.RunID, PhaseCountPending)
	if cycle.Pending, err = o.countPending(ctx); err != nil {
		return cycle, false, err
	}
	log.Info("pending rows", zap.Int64("pending", cycle.Pending))
	if cycle.Pending == 0 {
		o.enter(cycle.RunID, PhaseDone)
		return cycle, true, nil
	}

	o.enter(cycle.RunID, PhaseEmbed)
	cycle.Embed, err = o.worker.Drain(ctx)
	if err != nil {
		return cycle, false, fmt.Errorf("embed phase: %w", err)
	}

	o.enter(cycle.RunID, PhaseCountPending)
	if cycle.Pending, err = o.countPending(ctx); err != nil {
		return cycle, false, err
	}
	if cycle.Pending == 0 {
		o.enter(cycle.RunID, PhaseDone)
		return cycle, true, nil
	}

	log.Info("rows still pending after embed phase", zap.Int64("pending", cycle.Pending))
	cycle.Rescan, err = o.scanAndUpload(ctx, cycle.RunID, PhaseRescanUpload, log)
	if err != nil {
		return cycle, false, err
	}
	return cycle, false, nil
}

func (o *Orchestrator) scanAndUpload(ctx context.Context, runID string, phase Phase, log *zap.Logger) (reconcile.Report, error) {
	if err := ctx.Err(); err != nil {
		return reconcile.Report{}, err
	}
	o.enter(runID, phase)
	missing, err := o.scanner.Scan(ctx, o.store)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("scan phase: %w", err)
	}
	if len(missing) == 0 {
		return reconcile.Report{}, nil
	}

	if phase == PhaseScan {
		o.enter(runID, PhaseUpload)
	}
	report := o.uploader.Run(ctx, missing)
	log.Info("upload phase finished",
		zap.Int("missing", len(missing)),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) countPending(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := o.storeRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = o.store.CountPending(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count pending rows: %w", err)
	}
	return n, nil
}

func (o *Orchestrator) enter(runID string, phase Phase) {
	o.log.Debug("sync phase", zap.String("run_id", runID), zap.String("phase", string(phase)))
	if o.opts.OnPhase != nil {
		o.opts.OnPhase(runID, phase)
	}
}
