package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/metrics"
	"github.com/JakeFAU/market-harvester/internal/ratemonitor"
)

// ErrEscalationExhausted is returned by Run when plain retries and the jump
// attempt all failed. The last committed checkpoint is left untouched.
var ErrEscalationExhausted = errors.New("harvest: retries and jump exhausted")

// maxLoggedBody bounds the raw response included in failed-attempt logs.
const maxLoggedBody = 1000

// Deps are the collaborators of an Engine. Source and Store are required.
type Deps struct {
	Source    Source
	Store     Store
	Clock     Clock
	Sleep     SleepFunc
	Limiter   Limiter
	Publisher Publisher
	Blobs     BlobStore
	RunID     string
	Logger    *zap.Logger
	// Observer, when set, is told about every state the step enters.
	Observer func(State)
}

// Engine runs the fetch/extract/persist loop for a single target. It is not
// safe for concurrent use; run one engine per target.
type Engine struct {
	cfg       Config
	target    Target
	source    Source
	store     Store
	clock     Clock
	sleep     SleepFunc
	limiter   Limiter
	publisher Publisher
	blobs     BlobStore
	runID     string
	logger    *zap.Logger
	observer  func(State)

	monitor *ratemonitor.Monitor
	cp      Checkpoint
	loaded  bool
	stats   Stats
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewEngine wires an engine for target.
func NewEngine(cfg Config, target Target, deps Deps) (*Engine, error) {
	if target.Source == "" || target.Key == "" {
		return nil, fmt.Errorf("target source and key are required")
	}
	if deps.Source.Fetcher == nil || deps.Source.Extractor == nil {
		return nil, fmt.Errorf("source fetcher and extractor are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.maxAttempts < 1 {
		return nil, fmt.Errorf("config must be built with NewConfig")
	}
	e := &Engine{
		cfg:       cfg,
		target:    target,
		source:    deps.Source,
		store:     deps.Store,
		clock:     deps.Clock,
		sleep:     deps.Sleep,
		limiter:   deps.Limiter,
		publisher: deps.Publisher,
		blobs:     deps.Blobs,
		runID:     deps.RunID,
		logger:    deps.Logger,
		observer:  deps.Observer,
	}
	if e.source.Accept == nil {
		e.source.Accept = AcceptAll
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.sleep == nil {
		e.sleep = Sleep
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("target", target.ID()), zap.String("run_id", e.runID))
	e.monitor = ratemonitor.New(cfg.rateWindow, e.clock.Now())
	return e, nil
}

// Checkpoint returns the in-memory checkpoint, which always equals the last
// durably committed one.
func (e *Engine) Checkpoint() Checkpoint {
	return e.cp
}

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Monitor exposes the rate monitor for inspection.
func (e *Engine) Monitor() *ratemonitor.Monitor {
	return e.monitor
}

// Load reads the checkpoint. until, when non-zero and older than the stored
// boundary, replaces it and resets the cursor; coverage never moves forward.
func (e *Engine) Load(ctx context.Context, until time.Time) error {
	cp, err := e.store.Load(ctx, e.target)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !until.IsZero() && until.Before(cp.Until) {
		cp.Until = until.UTC()
		cp.Cursor = ""
	}
	e.cp = cp
	e.loaded = true
	e.logger.Info("Starting harvest",
		zap.String("cursor", cp.Cursor),
		zap.Time("until", cp.Until),
		zap.Strings("identities", e.cfg.Identities()),
		zap.Int("max_attempts", e.cfg.maxAttempts),
	)
	return nil
}

// Run executes steps until the source is exhausted, a step fails, or ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.loaded {
		if err := e.Load(ctx, time.Time{}); err != nil {
			return err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("harvest %s: %w", e.target, err)
		}
		outcome, err := e.Step(ctx)
		if err != nil {
			e.logger.Error("Step aborted",
				zap.Error(err),
				zap.String("cursor", e.cp.Cursor),
				zap.Time("until", e.cp.Until),
			)
			return err
		}
		switch outcome {
		case StepExhausted:
			e.logger.Info("Source exhausted", e.summaryFields()...)
			return nil
		case StepFailed:
			e.logger.Error("Exhausted attempts, stopping", e.summaryFields()...)
			return fmt.Errorf("harvest %s at cursor %q until %s: %w",
				e.target, e.cp.Cursor, e.cp.Until.Format(time.RFC3339), ErrEscalationExhausted)
		}
	}
}

// attemptResult is what a single fetch+extract produced.
type attemptResult struct {
	page    Page
	records []Record
	reason  string
	err     error
	end     bool
}

func (r attemptResult) ok() bool {
	return r.reason == "" && !r.end
}

// Step performs one harvest step. Errors are returned only for failures that
// must abort the loop (cancellation, checkpoint or commit failures).
func (e *Engine) Step(ctx context.Context) (StepOutcome, error) {
	if !e.loaded {
		if err := e.Load(ctx, time.Time{}); err != nil {
			return StepFailed, err
		}
	}
	if e.cp.Exhausted() {
		metrics.ObserveStepOutcome(e.target.Source, StepExhausted.String())
		return StepExhausted, nil
	}

	budget := e.cfg.maxAttempts
	req := FetchRequest{Target: e.target, Cursor: e.cp.Cursor, Until: e.cp.Until}
	jumped := false

	for attempt := 0; attempt <= budget; attempt++ {
		switch {
		case attempt == budget:
			e.observe(StateJump)
			req.Until = req.Until.Add(-e.cfg.jumpStep)
			req.Cursor = ""
			jumped = true
			e.stats.Jumps++
			metrics.ObserveJump(e.target.Source)
			e.logger.Info("Jumping boundary back", zap.Time("until", req.Until))
		case attempt > 0:
			e.observe(StateRetry)
			e.logger.Info("Sleeping and retrying", zap.Duration("delay", e.cfg.retryDelay), zap.Int("attempt", attempt))
			if err := e.sleep(ctx, e.cfg.retryDelay); err != nil {
				return StepFailed, fmt.Errorf("retry sleep: %w", err)
			}
		}

		req.Identity = e.cfg.Identity(e.stats.Requests)
		res, err := e.attempt(ctx, req)
		if err != nil {
			return StepFailed, err
		}
		if res.end {
			e.logger.Info("Source reported no more data", zap.String("cursor", req.Cursor))
			metrics.ObserveStepOutcome(e.target.Source, StepExhausted.String())
			return StepExhausted, nil
		}
		if res.ok() {
			if err := e.persist(ctx, req, res, jumped); err != nil {
				e.observe(StateStepFailed)
				metrics.ObserveStepOutcome(e.target.Source, StepFailed.String())
				return StepFailed, err
			}
			metrics.ObserveStepOutcome(e.target.Source, StepCommitted.String())
			return StepCommitted, nil
		}

		e.stats.Failures++
		metrics.ObserveFailedAttempt(e.target.Source, res.reason)
		e.reportFailure(ctx, req, res)
	}

	e.observe(StateStepFailed)
	metrics.ObserveStepOutcome(e.target.Source, StepFailed.String())
	return StepFailed, nil
}

// attempt runs FETCH and EXTRACT once. The returned error is non-nil only
// when ctx is done.
func (e *Engine) attempt(ctx context.Context, req FetchRequest) (attemptResult, error) {
	e.observe(StateFetch)
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, e.target.Source); err != nil {
			return attemptResult{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	start := time.Now()
	fetched := e.source.Fetcher.Fetch(ctx, req)
	e.stats.Requests++
	metrics.ObserveFetch(e.target.Source, time.Since(start))
	if err := ctx.Err(); err != nil {
		return attemptResult{}, fmt.Errorf("fetch %s: %w", e.target, err)
	}

	switch fetched.Kind {
	case FetchEnd:
		return attemptResult{end: true}, nil
	case FetchTransportError:
		return attemptResult{page: fetched.Page, reason: "transport", err: fetched.Reason}, nil
	case FetchEmpty:
		return attemptResult{page: fetched.Page, reason: "empty_page"}, nil
	case FetchOK:
	default:
		return attemptResult{reason: "unknown", err: fmt.Errorf("unknown fetch kind %d", fetched.Kind)}, nil
	}

	page := fetched.Page
	if page.Identity == "" {
		page.Identity = req.Identity
	}
	e.observe(StateExtract)
	extraction := e.source.Extractor.Extract(page)
	switch extraction.Kind {
	case ExtractOK:
		return attemptResult{page: page, records: extraction.Records}, nil
	case ExtractMalformed:
		return attemptResult{page: page, reason: "malformed", err: extraction.Err}, nil
	default:
		return attemptResult{page: page, reason: "no_records"}, nil
	}
}

// persist runs FILTER_AND_PERSIST and then records the step.
func (e *Engine) persist(ctx context.Context, req FetchRequest, res attemptResult, jumped bool) error {
	e.observe(StateFilterAndPersist)

	accepted := make([]Record, 0, len(res.records))
	oldest := res.records[0].Timestamp
	for _, rec := range res.records {
		if rec.Timestamp.Before(oldest) {
			oldest = rec.Timestamp
		}
		if e.source.Accept(rec) {
			accepted = append(accepted, rec)
		}
	}

	next := Checkpoint{
		Target:    e.target,
		Cursor:    res.page.Next,
		Until:     minTime(req.Until, oldest.UTC()),
		UpdatedAt: e.clock.Now(),
	}
	inserted, err := e.store.Commit(ctx, e.target, accepted, next)
	if err != nil {
		return fmt.Errorf("commit %s: %w", e.target, err)
	}
	e.cp = next

	now := e.clock.Now()
	e.stats.Steps++
	e.stats.Extracted += len(res.records)
	e.stats.Accepted += len(accepted)
	e.stats.Inserted += inserted
	e.monitor.Record(now, len(res.records), len(accepted))
	tp := e.monitor.Throughput()
	metrics.ObserveStep(e.target.Source, len(res.records), len(accepted), inserted)
	metrics.SetThroughput(e.target.ID(), tp.ExtractedPerHour, tp.AcceptedPerHour)

	e.logger.Info("Step committed",
		zap.Int("extracted_total", e.stats.Extracted),
		zap.Int("extracted", len(res.records)),
		zap.Int("accepted_total", e.stats.Accepted),
		zap.Int("accepted", len(accepted)),
		zap.Int("inserted", inserted),
		zap.Int("extracted_per_hour", int(tp.ExtractedPerHour)),
		zap.Int("accepted_per_hour", int(tp.AcceptedPerHour)),
		zap.Time("oldest", oldest.UTC()),
		zap.Int("requests", e.stats.Requests),
		zap.Int("failures", e.stats.Failures),
		zap.Int("jumps", e.stats.Jumps),
		zap.Bool("jumped", jumped),
	)

	e.notify(ctx, CommitEvent{
		RunID:       e.runID,
		Target:      e.target.ID(),
		Cursor:      next.Cursor,
		Until:       next.Until,
		Extracted:   len(res.records),
		Accepted:    len(accepted),
		Inserted:    inserted,
		Oldest:      oldest.UTC(),
		Identity:    res.page.Identity,
		Jumped:      jumped,
		CommittedAt: now,
	})
	return nil
}

func (e *Engine) reportFailure(ctx context.Context, req FetchRequest, res attemptResult) {
	fields := []zap.Field{
		zap.String("reason", res.reason),
		zap.String("identity", req.Identity),
		zap.String("cursor", req.Cursor),
		zap.String("response", truncate(res.page.Body, maxLoggedBody)),
	}
	if res.err != nil {
		fields = append(fields, zap.Error(res.err))
	}
	e.logger.Warn("Attempt failed", fields...)

	if !e.cfg.dumpFailures || e.blobs == nil || len(res.page.Body) == 0 {
		return
	}
	path := fmt.Sprintf("failures/%s/%s/%d.txt", e.target.ID(), e.runID, e.stats.Requests)
	if _, err := e.blobs.PutObject(ctx, path, "text/plain; charset=utf-8", bytes.NewReader(res.page.Body)); err != nil {
		e.logger.Warn("Failed to store raw page", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, event CommitEvent) {
	if e.publisher == nil || e.cfg.topic == "" {
		return
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.topic, event); err != nil {
		e.logger.Warn("Commit notification failed", zap.Error(err))
	}
}

func (e *Engine) observe(state State) {
	if e.observer != nil {
		e.observer(state)
	}
}

func (e *Engine) summaryFields() []zap.Field {
	return []zap.Field{
		zap.String("cursor", e.cp.Cursor),
		zap.Time("until", e.cp.Until),
		zap.Int("steps", e.stats.Steps),
		zap.Int("extracted_total", e.stats.Extracted),
		zap.Int("accepted_total", e.stats.Accepted),
		zap.Int("requests", e.stats.Requests),
		zap.Int("failures", e.stats.Failures),
		zap.Int("jumps", e.stats.Jumps),
	}
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + " [..]"
}
