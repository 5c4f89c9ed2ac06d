package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/lexconverge/internal/agents"
	"github.com/fyrsmithlabs/lexconverge/internal/confidence"
	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const instrumentationName = "github.com/fyrsmithlabs/lexconverge/internal/orchestrator"

// Progress points within one round, out of 100.
const (
	pctExtracting = 0
	pctResolving  = 25
	pctMerging    = 80
	pctScored     = 90
)

// Executor runs rounds of extraction and resolution until convergence.
type Executor struct {
	extractors       []agents.Extractor
	resolvers        []agents.Resolver
	normalizer       *normalize.Normalizer
	logger           *zap.Logger
	tracer           trace.Tracer
	progressCallback ProgressCallback
}

// NewExecutor creates an executor. Resolvers are ordered by stage; a
// normalization stage is required since it folds each round into the
// previous set.
func NewExecutor(extractors []agents.Extractor, resolvers []agents.Resolver, n *normalize.Normalizer, logger *zap.Logger) (*Executor, error) {
	if len(extractors) == 0 {
		return nil, errors.New("at least one extractor is required")
	}
	if n == nil {
		n = normalize.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ordered := slices.Clone(resolvers)
	slices.SortStableFunc(ordered, func(a, b agents.Resolver) int {
		return int(a.Stage()) - int(b.Stage())
	})
	if !slices.ContainsFunc(ordered, func(r agents.Resolver) bool { return r.Stage() == agents.StageNormalization }) {
		return nil, errors.New("a normalization resolver is required")
	}

	return &Executor{
		extractors: extractors,
		resolvers:  ordered,
		normalizer: n,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progressCallback = callback
}

// run carries the state of one Run call.
type run struct {
	cfg      Config
	text     string
	detector *convergence.Detector
	scorer   *confidence.Aggregator
	progress int
}

// Run executes the loop over text. On failure the returned Result still
// holds the rounds completed so far.
func (e *Executor) Run(ctx context.Context, text string, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	scoring := confidence.DefaultConfig().WithThreshold(cfg.AcceptanceThreshold)
	if err := scoring.Validate(); err != nil {
		return Result{}, err
	}
	detector, err := convergence.NewDetector(cfg.MaxRounds)
	if err != nil {
		return Result{}, err
	}

	r := &run{
		cfg:      cfg,
		text:     Truncate(text, cfg.TextLimit),
		detector: detector,
		scorer:   confidence.NewAggregator(scoring),
	}

	var (
		rounds []reference.Round
		prior  []reference.CanonicalReference
	)
	for n := 1; ; n++ {
		round, err := e.runRound(ctx, r, n, prior)
		if err != nil {
			return Result{Canonical: reference.CloneSet(prior), Rounds: rounds}, err
		}
		rounds = append(rounds, round)
		prior = round.Merged

		decision := detector.Decide(rounds, prior)
		e.logger.Debug("round closed",
			zap.Int("round", n),
			zap.Int("candidates", len(round.Candidates)),
			zap.Int("entries", len(round.Merged)),
			zap.Int("delta", round.DeltaFromPrevious),
			zap.Bool("failed", round.Failed),
			zap.String("decision", string(decision)))

		if !decision.Stopped() {
			continue
		}
		result := Result{Canonical: reference.CloneSet(prior), Rounds: rounds, Decision: decision}
		if decision == convergence.StopFailed {
			return result, fmt.Errorf("%w: %d consecutive rounds without extractor output", reference.ErrRoundFailed, convergence.ConsecutiveFailures(rounds))
		}
		if !convergence.AnySucceeded(rounds) {
			return result, fmt.Errorf("%w: no round produced extractor output", reference.ErrRoundFailed)
		}
		return result, nil
	}
}

func (e *Executor) runRound(ctx context.Context, r *run, n int, prior []reference.CanonicalReference) (reference.Round, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.round", trace.WithAttributes(attribute.Int("round", n)))
	defer span.End()

	e.report(r, n, PhaseExtracting, pctExtracting, fmt.Sprintf("extraction round %d", n))
	candidates, failures := e.extract(ctx, r, n, prior)
	if err := ctx.Err(); err != nil {
		return reference.Round{}, err
	}

	round := reference.Round{
		RoundNumber: n,
		Candidates:  candidates,
		Failed:      len(candidates) == 0 && len(failures) == len(e.extractors),
	}
	if len(failures) > 0 {
		round.ExtractorFailures = failures
	}

	merged := reference.CloneSet(prior)
	if !round.Failed {
		set, err := e.resolve(ctx, r, n, normalize.Provisional(candidates), prior)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return reference.Round{}, err
		}

		e.report(r, n, PhaseMerging, pctMerging, fmt.Sprintf("merging round %d", n))
		_, mspan := e.tracer.Start(ctx, "orchestrator.merge")
		set = e.normalizer.Rekey(set)
		mspan.End()

		e.report(r, n, PhaseScored, pctScored, fmt.Sprintf("scoring round %d", n))
		merged = r.scorer.Score(set)
	} else {
		span.SetStatus(codes.Error, "every extractor failed")
		e.logger.Warn("round failed", zap.Int("round", n), zap.Any("extractor_failures", failures))
	}

	round.Merged = merged
	round.DeltaFromPrevious = normalize.Delta(prior, merged)
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("entries", len(merged)),
		attribute.Int("delta", round.DeltaFromPrevious),
	)
	return round, nil
}

// extract runs every extractor concurrently. A failing extractor does not
// cancel its siblings; it contributes no candidates.
func (e *Executor) extract(ctx context.Context, r *run, n int, prior []reference.CanonicalReference) ([]reference.CandidateReference, map[string]string) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.extract")
	defer span.End()

	results := make([][]reference.CandidateReference, len(e.extractors))
	errs := make([]error, len(e.extractors))

	var g errgroup.Group
	for i, ex := range e.extractors {
		in := agents.ExtractInput{Text: r.text, Round: n, Prior: reference.CloneSet(prior)}
		g.Go(func() error {
			results[i], errs[i] = retry(ctx, r.cfg, r.cfg.AgentRetries, func() ([]reference.CandidateReference, error) {
				return ex.Extract(ctx, in)
			})
			return nil
		})
	}
	_ = g.Wait()

	var (
		out      []reference.CandidateReference
		failures map[string]string
	)
	for i, ex := range e.extractors {
		if errs[i] != nil {
			if failures == nil {
				failures = make(map[string]string)
			}
			failures[ex.Name()] = errs[i].Error()
			if ctx.Err() == nil {
				e.logger.Warn("extractor skipped",
					zap.String("agent", ex.Name()),
					zap.Int("round", n),
					zap.Bool("transient", reference.IsTransient(errs[i])),
					zap.Error(errs[i]))
			}
			continue
		}
		for _, c := range results[i] {
			out = append(out, sanitize(c, ex.Name(), len(r.text)))
		}
	}
	return out, failures
}

func sanitize(c reference.CandidateReference, agent string, textLen int) reference.CandidateReference {
	c.SourceAgent = agent
	c.LocalConfidence = max(0, min(c.LocalConfidence, 100))
	if !c.Kind.Valid() {
		c.Kind = reference.KindUnresolved
	}
	if !c.ContextSpan.Valid(textLen) {
		c.ContextSpan = reference.Span{}
	}
	return c
}

// resolve runs the resolvers in stage order over the working set.
func (e *Executor) resolve(ctx context.Context, r *run, n int, working, prior []reference.CanonicalReference) ([]reference.CanonicalReference, error) {
	stages := e.activeResolvers(r.cfg)
	retryable, pending := splitUnresolved(clearRetryableReasons(prior))

	// Prior entries with no law identity go through every stage again, so a
	// candidate resolved this round folds into its earlier entry.
	set := append(pending, working...)
	for k, res := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pct := pctResolving + (pctMerging-pctResolving)*k/len(stages)
		e.report(r, n, PhaseResolving, pct, fmt.Sprintf("resolution round %d: %s", n, res.Stage()))

		var err error
		set, err = e.runResolver(ctx, r, res, agents.ResolveInput{
			Set:        set,
			Text:       r.text,
			Prior:      retryable,
			MaxWorkers: r.cfg.MaxWorkers,
		})
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (e *Executor) activeResolvers(cfg Config) []agents.Resolver {
	out := make([]agents.Resolver, 0, len(e.resolvers))
	for _, r := range e.resolvers {
		switch {
		case r.Stage() == agents.StageContext && !cfg.UseContextResolution:
		case r.Stage() == agents.StageInference && !cfg.UseInference:
		default:
			out = append(out, r)
		}
	}
	return out
}

// clearRetryableReasons copies prior and drops the reasons a new attempt can
// clear, so their entries are targeted again this round.
func clearRetryableReasons(prior []reference.CanonicalReference) []reference.CanonicalReference {
	out := reference.CloneSet(prior)
	for i := range out {
		out[i].Unflag(reference.ReasonResolverFailed)
		out[i].Unflag(reference.ReasonResolverUnavailable)
		out[i].Unflag(reference.ReasonRateLimited)
	}
	return out
}

// splitUnresolved separates entries still keyed as unresolved from the rest.
func splitUnresolved(set []reference.CanonicalReference) (resolved, unresolved []reference.CanonicalReference) {
	for _, e := range set {
		if normalize.IsUnresolvedKey(e.CanonicalKey) {
			unresolved = append(unresolved, e)
			continue
		}
		resolved = append(resolved, e)
	}
	return resolved, unresolved
}

// runResolver runs one stage. Only context cancellation is returned as an
// error; every other failure is absorbed into review flags.
func (e *Executor) runResolver(ctx context.Context, r *run, res agents.Resolver, in agents.ResolveInput) ([]reference.CanonicalReference, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.resolve", trace.WithAttributes(
		attribute.String("resolver", res.Name()),
		attribute.String("stage", res.Stage().String()),
	))
	defer span.End()

	resolution, err := retry(ctx, r.cfg, r.cfg.AgentRetries, func() (agents.Resolution, error) {
		return res.Resolve(ctx, in)
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		span.RecordError(err)
		reason := reference.ReasonResolverFailed
		if reference.IsTransient(err) {
			reason = reference.ReasonResolverUnavailable
		}
		e.logger.Warn("resolver skipped", zap.String("resolver", res.Name()), zap.String("reason", string(reason)), zap.Error(err))

		out := reference.CloneSet(in.Set)
		for i := range out {
			if res.Targets(in.Set[i]) {
				out[i].Flag(reason)
			}
		}
		return out, nil
	}

	out := resolution.Set
	failures, err := e.resubmit(ctx, r, res, in, out, resolution.Failures)
	if err != nil {
		return nil, err
	}
	for i, ferr := range failures {
		switch {
		case errors.Is(ferr, reference.ErrRateLimited):
			out[i].Flag(reference.ReasonRateLimited)
		case reference.IsTransient(ferr):
			out[i].Flag(reference.ReasonResolverUnavailable)
		default:
			out[i].Flag(reference.ReasonResolverFailed)
		}
	}
	if len(failures) > 0 {
		span.SetAttributes(attribute.Int("entry_failures", len(failures)))
		e.logger.Debug("resolver entry failures", zap.String("resolver", res.Name()), zap.Int("count", len(failures)))
	}
	return out, nil
}

// resubmit re-sends entries that failed transiently to the same resolver,
// writing fresh results into out. It returns the failures left over.
func (e *Executor) resubmit(ctx context.Context, r *run, res agents.Resolver, in agents.ResolveInput, out []reference.CanonicalReference, failures map[int]error) (map[int]error, error) {
	b := newBackOff(r.cfg)
	for attempt := 0; attempt < r.cfg.RateLimitRetries; attempt++ {
		var idx []int
		var hint time.Duration
		for i, ferr := range failures {
			if reference.IsTransient(ferr) {
				idx = append(idx, i)
				hint = max(hint, reference.RetryAfter(ferr))
			}
		}
		if len(idx) == 0 {
			break
		}
		slices.Sort(idx)

		if err := sleep(ctx, wait(b, hint)); err != nil {
			return nil, err
		}

		sub := make([]reference.CanonicalReference, len(idx))
		for j, i := range idx {
			sub[j] = out[i].Clone()
		}
		retryIn := in
		retryIn.Set = sub
		again, err := res.Resolve(ctx, retryIn)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			break
		}
		if len(again.Set) != len(sub) {
			break
		}

		next := make(map[int]error, len(failures))
		for i, ferr := range failures {
			if !reference.IsTransient(ferr) {
				next[i] = ferr
			}
		}
		for j, i := range idx {
			out[i] = again.Set[j]
			if ferr, ok := again.Failures[j]; ok {
				next[i] = ferr
			}
		}
		failures = next
	}
	return failures, nil
}

func (e *Executor) report(r *run, round int, phase Phase, withinRound int, msg string) {
	pct := ((round-1)*100 + withinRound) / r.detector.MaxRounds()
	pct = min(max(pct, r.progress), 99)
	r.progress = pct
	if e.progressCallback != nil {
		e.progressCallback(Progress{Round: round, Phase: phase, Message: msg, Percentage: pct})
	}
}

// Truncate cuts text to limit runes. A limit of zero or less keeps text.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}

func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.Reset()
	return b
}

// hintedBackOff stretches the next interval to a provider Retry-After hint.
type hintedBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (h hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return max(d, min(*h.hint, maxRetryHint))
}

func wait(b backoff.BackOff, hint time.Duration) time.Duration {
	return hintedBackOff{BackOff: b, hint: &hint}.NextBackOff()
}

// retry calls op up to attempts times while it fails transiently.
func retry[T any](ctx context.Context, cfg Config, attempts int, op func() (T, error)) (T, error) {
	var hint time.Duration
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !reference.IsTransient(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		hint = reference.RetryAfter(err)
		return v, err
	},
		backoff.WithBackOff(hintedBackOff{BackOff: newBackOff(cfg), hint: &hint}),
		backoff.WithMaxTries(uint(max(attempts, 1))),
		backoff.WithMaxElapsedTime(0),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return v, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
