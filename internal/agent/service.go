// Package agent runs the evidence pipeline: it drains feedback into the
// learning engine, classifies and routes queued evidence, keeps the state
// tracker current and periodically snapshots what it has learned.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/a-marczewski/kparouter/internal/audit"
	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/learning"
	"github.com/a-marczewski/kparouter/internal/ledger"
	"github.com/a-marczewski/kparouter/internal/router"
	"github.com/a-marczewski/kparouter/internal/scheduler"
	"github.com/a-marczewski/kparouter/internal/state"
)

const (
	DefaultBaseBatchSize   = 8
	DefaultDumpEvery       = 50
	DefaultDumpInterval    = 5 * time.Minute
	DefaultBaseSleep       = 100 * time.Millisecond
	DefaultMinSleep        = 10 * time.Millisecond
	DefaultMaxSleep        = time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Options wires the collaborators of a Service. Classifier, Router,
// Learning, State and Knowledge are required.
type Options struct {
	Classifier *classifier.Classifier
	Router     *router.Router
	Learning   *learning.Engine
	State      *state.Tracker
	Knowledge  *knowledge.Base
	Scheduler  *scheduler.Scheduler
	Audit      *audit.Logger
	Ledger     *ledger.Ledger
	Sampler    device.Sampler
	Profile    device.Profile
	Logger     *zap.Logger

	BaseBatchSize   int
	DumpDir         string
	DumpEvery       int
	DumpInterval    time.Duration
	BaseSleep       time.Duration
	MinSleep        time.Duration
	MaxSleep        time.Duration
	ShutdownTimeout time.Duration
}

// Service is the orchestration loop.
type Service struct {
	classifier *classifier.Classifier
	router     *router.Router
	learning   *learning.Engine
	state      *state.Tracker
	kb         *knowledge.Base
	scheduler  *scheduler.Scheduler
	audit      *audit.Logger
	ledger     *ledger.Ledger
	sampler    device.Sampler
	profile    device.Profile
	normalizer *evidence.Normalizer
	logger     *zap.Logger
	now        func() time.Time

	baseBatch       int
	dumpDir         string
	dumpEvery       int
	dumpInterval    time.Duration
	baseSleep       time.Duration
	minSleep        time.Duration
	maxSleep        time.Duration
	shutdownTimeout time.Duration

	qmu         sync.Mutex
	queue       []evidence.Payload
	corrections []evidence.Feedback
	reflections []evidence.Feedback

	// Touched only by the goroutine driving RunOnce.
	sinceDump int
	lastDump  time.Time

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Classifier == nil || opts.Router == nil || opts.Learning == nil || opts.State == nil || opts.Knowledge == nil {
		return nil, fmt.Errorf("agent: classifier, router, learning, state and knowledge are required")
	}

	s := &Service{
		classifier:      opts.Classifier,
		router:          opts.Router,
		learning:        opts.Learning,
		state:           opts.State,
		kb:              opts.Knowledge,
		scheduler:       opts.Scheduler,
		audit:           opts.Audit,
		ledger:          opts.Ledger,
		sampler:         opts.Sampler,
		profile:         opts.Profile,
		normalizer:      evidence.NewNormalizer(),
		logger:          opts.Logger,
		now:             time.Now,
		baseBatch:       opts.BaseBatchSize,
		dumpDir:         opts.DumpDir,
		dumpEvery:       opts.DumpEvery,
		dumpInterval:    opts.DumpInterval,
		baseSleep:       opts.BaseSleep,
		minSleep:        opts.MinSleep,
		maxSleep:        opts.MaxSleep,
		shutdownTimeout: opts.ShutdownTimeout,
		stop:            make(chan struct{}),
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sampler == nil {
		s.sampler = device.SystemSampler{}
	}
	if s.profile.BatchSize == 0 && s.profile.MaxCPUPercent == 0 && s.profile.MaxMemoryPercent == 0 {
		s.profile = device.DefaultProfile
	}
	if s.baseBatch <= 0 {
		s.baseBatch = DefaultBaseBatchSize
	}
	if s.dumpEvery <= 0 {
		s.dumpEvery = DefaultDumpEvery
	}
	if s.dumpInterval <= 0 {
		s.dumpInterval = DefaultDumpInterval
	}
	if s.minSleep <= 0 {
		s.minSleep = DefaultMinSleep
	}
	if s.maxSleep <= 0 {
		s.maxSleep = DefaultMaxSleep
	}
	if s.baseSleep <= 0 {
		s.baseSleep = DefaultBaseSleep
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = DefaultShutdownTimeout
	}
	s.lastDump = s.now()

	return s, nil
}

// Submit queues one evidence payload.
func (s *Service) Submit(p evidence.Payload) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.queue = append(s.queue, p)
}

// SubmitFeedback queues a correction or reflection. Malformed feedback is
// still queued and reported as a per-item error when drained.
func (s *Service) SubmitFeedback(f evidence.Feedback) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if f.IsCorrection() {
		s.corrections = append(s.corrections, f)
	} else {
		s.reflections = append(s.reflections, f)
	}
}

// Pending returns the number of queued evidence and feedback entries.
func (s *Service) Pending() (evidenceItems, feedbackItems int) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue), len(s.corrections) + len(s.reflections)
}

// Running reports whether RunForever is active.
func (s *Service) Running() bool {
	return s.running.Load()
}

// RunOnce performs one cycle: feedback first, then up to one batch of evidence,
// then a snapshot when one is due.
func (s *Service) RunOnce(ctx context.Context) BatchReport {
	var report BatchReport

	report.Feedback = s.drainFeedback(ctx)
	if len(report.Feedback) > 0 {
		s.classifier.RefreshCalibration()
	}

	usage, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Debug("Utilization sample failed", zap.Error(err))
	}
	report.Usage = usage
	report.BatchSize = device.BatchSize(s.profile, s.baseBatch, usage)

	batch := s.takeEvidence(report.BatchSize)
	for i, p := range batch {
		if ctx.Err() != nil {
			s.requeue(batch[i:])
			break
		}
		report.Evidence = append(report.Evidence, s.processEvidence(p))
	}

	s.maybeDump(&report, false)
	return report
}

// RunForever repeats RunOnce until ctx is cancelled or GracefulShutdown is
// called, adapting the pause between cycles to load.
func (s *Service) RunForever(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}
	defer s.running.Store(false)

	s.logger.Info("Agent started",
		zap.String("profile", s.profile.Name),
		zap.Int("batch_size", s.profile.BatchSize))

	sleep := s.baseSleep
	for s.running.Load() {
		report := s.RunOnce(ctx)
		if ctx.Err() != nil {
			break
		}

		work := len(report.Evidence) + len(report.Feedback)
		sleep = device.NextSleep(sleep, s.minSleep, s.maxSleep, work, s.profile, report.Usage)
		if work > 0 {
			s.logger.Debug("Cycle complete",
				zap.Int("processed", report.Processed()),
				zap.Int("failed", report.Failed()),
				zap.Duration("next_sleep", sleep))
		}

		if !s.pause(ctx, sleep) {
			break
		}
	}

	if s.sinceDump > 0 {
		var final BatchReport
		s.maybeDump(&final, true)
	}

	s.logger.Info("Agent stopped")
	return nil
}

// pause waits for d and reports false when the loop should stop instead.
func (s *Service) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

// Drain runs cycles until both queues are empty and then snapshots anything
// processed since the last dump. It is the one-shot counterpart of
// RunForever and cannot run alongside it.
func (s *Service) Drain(ctx context.Context) ([]BatchReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("agent already running")
	}
	defer s.running.Store(false)

	var reports []BatchReport
	for ctx.Err() == nil {
		evidenceItems, feedbackItems := s.Pending()
		if evidenceItems == 0 && feedbackItems == 0 {
			break
		}
		reports = append(reports, s.RunOnce(ctx))
	}

	if s.sinceDump > 0 {
		if len(reports) == 0 {
			reports = append(reports, BatchReport{})
		}
		s.maybeDump(&reports[len(reports)-1], true)
	}
	return reports, ctx.Err()
}

// GracefulShutdown clears the running flag, wakes a sleeping loop and stops
// the scheduler, waiting for queued snapshots.
func (s *Service) GracefulShutdown() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.scheduler.Stop(s.shutdownTimeout) {
		s.logger.Warn("Scheduler did not finish before shutdown timeout")
	}
}

func (s *Service) takeEvidence(n int) []evidence.Payload {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	n = min(n, len(s.queue))
	batch := make([]evidence.Payload, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	return batch
}

// requeue puts unprocessed payloads back at the front of the queue.
func (s *Service) requeue(items []evidence.Payload) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.queue = append(append([]evidence.Payload(nil), items...), s.queue...)
}

// takeFeedback removes up to n entries, corrections before reflections.
func (s *Service) takeFeedback(n int) []evidence.Feedback {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	out := make([]evidence.Feedback, 0, min(n, len(s.corrections)+len(s.reflections)))
	take := min(n, len(s.corrections))
	out = append(out, s.corrections[:take]...)
	s.corrections = s.corrections[take:]

	take = min(n-len(out), len(s.reflections))
	out = append(out, s.reflections[:take]...)
	s.reflections = s.reflections[take:]
	return out
}

func (s *Service) drainFeedback(ctx context.Context) []Result {
	var results []Result
	batch := s.takeFeedback(s.baseBatch)
	for i, f := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				s.SubmitFeedback(rest)
			}
			break
		}
		results = append(results, s.applyFeedback(f))
	}
	return results
}

func (s *Service) applyFeedback(f evidence.Feedback) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = s.fail(res.EvidenceID, panicError(r))
		}
	}()

	res.EvidenceID = f.Evidence.DeclaredID()
	if err := f.Validate(); err != nil {
		return s.fail(res.EvidenceID, err)
	}

	ev, err := s.normalizer.Normalize(f.Evidence)
	if err != nil {
		return s.fail(res.EvidenceID, normalizeError(err))
	}
	res.EvidenceID = ev.ID

	if f.IsCorrection() {
		predicted, corrected := f.Predicted(), f.Corrected()
		s.learning.IngestDirectorCorrection(ev, predicted, corrected)
		s.state.RecordReview(predicted != "" && corrected != "" && predicted != corrected)
	} else {
		s.learning.IngestReflectionFeedback(ev, f.Notes)
	}
	return res
}

func (s *Service) processEvidence(p evidence.Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = s.fail(res.EvidenceID, panicError(r))
		}
	}()

	res.EvidenceID = p.DeclaredID()
	ev, err := s.normalizer.Normalize(p)
	if err != nil {
		return s.fail(res.EvidenceID, normalizeError(err))
	}
	res.EvidenceID = ev.ID

	cls := s.classifier.Classify(ev)
	res.Classification = &cls
	if err := s.audit.LogClassification(ev.ID, cls.KPA, cls.Confidence, cls.Ambiguous, cls.Scores, cls.Reasons); err != nil {
		s.logger.Warn("Failed to audit classification", zap.String("evidence_id", ev.ID), zap.Error(err))
	}

	decision, err := s.router.Route(ev, cls)
	if err != nil {
		failed := s.fail(ev.ID, withKind(KindRouting, err))
		failed.Classification = &cls
		return failed
	}
	res.Decision = &decision

	var approved *bool
	if decision.RoutedTo == router.RoutedToKPA {
		ok := true
		approved = &ok
	}
	s.state.UpdateAfterClassification(cls, approved)

	if err := s.audit.LogRouting(ev.ID, decision.RoutedTo, decision.Reason, decision.KPA, decision.Destination); err != nil {
		s.logger.Warn("Failed to audit routing", zap.String("evidence_id", ev.ID), zap.Error(err))
	}
	if _, err := s.ledger.RecordDecision(ledger.Decision{
		EvidenceID:  ev.ID,
		KPA:         decision.KPA,
		Confidence:  cls.Confidence,
		Ambiguous:   cls.Ambiguous,
		RoutedTo:    decision.RoutedTo,
		Reason:      decision.Reason,
		Destination: decision.Destination,
		Timestamp:   s.now(),
	}); err != nil {
		s.logger.Warn("Failed to record decision", zap.String("evidence_id", ev.ID), zap.Error(err))
	}

	s.sinceDump++
	return res
}

// fail records an error in state and the audit log and returns its Result.
func (s *Service) fail(evidenceID string, err error) Result {
	kind := ErrorKind(err)
	s.state.UpdateAfterError(kind)
	if auditErr := s.audit.LogError(evidenceID, kind, err); auditErr != nil {
		s.logger.Warn("Failed to audit error", zap.Error(auditErr))
	}
	s.logger.Warn("Item failed",
		zap.String("evidence_id", evidenceID),
		zap.String("kind", kind),
		zap.Error(err))
	return Result{EvidenceID: evidenceID, Kind: kind, Err: err}
}

func normalizeError(err error) error {
	if ErrorKind(err) == KindInternal {
		return withKind(KindIO, err)
	}
	return err
}

// maybeDump snapshots state when enough items were processed or enough time
// has passed. force skips the cadence check.
func (s *Service) maybeDump(report *BatchReport, force bool) {
	now := s.now()
	due := s.sinceDump >= s.dumpEvery || now.Sub(s.lastDump) >= s.dumpInterval
	if !force && !due {
		return
	}
	if s.dumpDir == "" {
		s.sinceDump = 0
		s.lastDump = now
		return
	}

	processed := s.sinceDump
	dump := Dump{
		State:             s.state.Snapshot(),
		KeywordImportance: s.kb.Importance(),
		Calibration:       s.kb.CalibrationTable(),
	}
	write := func() error {
		path, err := WriteDump(s.dumpDir, now, dump)
		if err != nil {
			return err
		}
		s.logger.Debug("State dump written", zap.String("path", path))
		return s.ledger.RecordSnapshot(path, processed)
	}

	report.DumpPath = filepath.Join(s.dumpDir, DumpFileName(now))
	if s.scheduler.Schedule("state_dump", write) {
		report.DumpDeferred = true
	} else if err := write(); err != nil {
		report.DumpErr = err
		s.logger.Error("State dump failed", zap.Error(err))
	}

	s.sinceDump = 0
	s.lastDump = now
}
