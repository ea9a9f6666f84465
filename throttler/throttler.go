// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package throttler

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.apithrottle.dev/throttle/internal/otelutils"
	"go.apithrottle.dev/throttle/internal/version"
	"go.apithrottle.dev/throttle/log"
)

const tracerName = "go.apithrottle.dev/throttle/throttler"

const (
	defaultRetryInterval         = 100 * time.Millisecond
	defaultSafetyMarginPct       = 0.05
	defaultLimitsSharePercentage = 100.0
)

type (
	// Option configures a Throttler during construction.
	Option func(t *Throttler)

	// Throttler admits callers into a critical section only once every
	// applicable rate limit has headroom for the call's weight. See
	// the package doc comment for the algorithm.
	Throttler struct {
		logger *log.Logger
		tracer trace.Tracer

		retryInterval         time.Duration
		safetyMarginPct       float64
		limitsSharePercentage float64
		blockOnImpossible     bool

		mu         sync.Mutex
		rateLimits map[string]RateLimit
		limitOrder []string
		taskLog    []taskLogEntry

		metrics metrics
	}
)

// WithRetryInterval sets how long Execute waits between admission
// attempts once it finds a limit without headroom. Default: 100ms.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Throttler) { t.retryInterval = d }
}

// WithSafetyMarginPct reserves a fraction of each limit's capacity so
// that admitted callers never push right up against the remote
// service's own limit. Must be in [0, 1). Default: 0.05.
func WithSafetyMarginPct(pct float64) Option {
	return func(t *Throttler) { t.safetyMarginPct = pct }
}

// WithLimitsSharePercentage scales every configured Limit by pct/100 at
// construction time, letting a single RateLimit set be shared across
// several Throttlers that should each only use a share of the remote
// capacity. Must be in (0, 100]. Default: 100.
func WithLimitsSharePercentage(pct float64) Option {
	return func(t *Throttler) { t.limitsSharePercentage = pct }
}

// WithImpossibleChargeBlocks disables the eager ErrImpossibleCharge
// check and instead polls forever, matching the original client's
// behavior for a weight that can never be admitted. Off by default.
func WithImpossibleChargeBlocks() Option {
	return func(t *Throttler) { t.blockOnImpossible = true }
}

// WithLogger sets the logger the Throttler uses to report waits and
// impossible charges. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Throttler) { t.logger = l.Named("throttler") }
}

// WithTracerProvider configures OpenTelemetry tracing for Execute.
// Defaults to otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Throttler) {
		t.tracer = otelutils.WrapTracerProvider(tp).Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers the Throttler's Prometheus collectors with
// r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(t *Throttler) { t.registerMetrics(r) }
}

// New builds a Throttler from a set of rate limit descriptors. Every
// limit's Limit field is replaced with its effective value (see
// EffectiveLimits). A duplicate LimitID, an empty LimitID, a
// non-positive TimeInterval, or a share/margin percentage outside its
// valid range is reported as ErrConfig.
func New(rateLimits []RateLimit, opts ...Option) (*Throttler, error) {
	t := &Throttler{
		logger:                log.NewLogger(log.WithOutput(io.Discard)),
		tracer:                otelutils.WrapTracerProvider(otel.GetTracerProvider()).Tracer(tracerName),
		retryInterval:         defaultRetryInterval,
		safetyMarginPct:       defaultSafetyMarginPct,
		limitsSharePercentage: defaultLimitsSharePercentage,
		rateLimits:            make(map[string]RateLimit, len(rateLimits)),
	}

	for _, o := range opts {
		o(t)
	}

	if t.metrics.admissionsTotal == nil {
		t.registerMetrics(prometheus.DefaultRegisterer)
	}

	if t.limitsSharePercentage <= 0 || t.limitsSharePercentage > 100 {
		return nil, configErrorf("limits share percentage %v must be in (0, 100]", t.limitsSharePercentage)
	}
	if t.safetyMarginPct < 0 || t.safetyMarginPct >= 1 {
		return nil, configErrorf("safety margin %v must be in [0, 1)", t.safetyMarginPct)
	}

	for _, rl := range rateLimits {
		if err := rl.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.rateLimits[rl.LimitID]; dup {
			return nil, configErrorf("duplicate limit id %q", rl.LimitID)
		}

		rl.Limit = scalePercentage(rl.Limit, t.limitsSharePercentage)
		t.rateLimits[rl.LimitID] = rl
		t.limitOrder = append(t.limitOrder, rl.LimitID)
	}

	return t, nil
}

// percentagePrecision is the fixed-point scale applied to a percentage
// float64 before it is rounded to an integer numerator. Rounding rather
// than truncating absorbs the binary representation error a float64
// multiplication introduces (e.g. 2.01*1000 == 2009.9999999999998), so
// a value like 2.01 still yields exactly 2_010_000 micropercent instead of
// silently losing its last significant digit.
const percentagePrecision = 1_000_000

// scalePercentage returns floor(limit * pct / 100) computed in integer
// arithmetic: pct is rounded to the nearest micropercent once, then the
// division floors naturally, avoiding the binary-float drift a naive
// float64 multiplication followed by truncation would introduce.
func scalePercentage(limit uint64, pct float64) uint64 {
	numerator := uint64(math.Round(pct * percentagePrecision))
	return (limit * numerator) / (100 * percentagePrecision)
}

// Copy returns a new Throttler with the same configuration but a fresh,
// empty task log: it never shares admission state with the receiver.
func (t *Throttler) Copy() *Throttler {
	t.mu.Lock()
	defer t.mu.Unlock()

	rateLimits := make(map[string]RateLimit, len(t.rateLimits))
	for id, rl := range t.rateLimits {
		rateLimits[id] = rl
	}
	limitOrder := make([]string, len(t.limitOrder))
	copy(limitOrder, t.limitOrder)

	return &Throttler{
		logger:                t.logger,
		tracer:                t.tracer,
		retryInterval:         t.retryInterval,
		safetyMarginPct:       t.safetyMarginPct,
		limitsSharePercentage: t.limitsSharePercentage,
		blockOnImpossible:     t.blockOnImpossible,
		rateLimits:            rateLimits,
		limitOrder:            limitOrder,
		metrics:               t.metrics,
	}
}

// EffectiveLimits returns the post-share-percentage limit for every
// rate limit the Throttler knows about, keyed by LimitID.
func (t *Throttler) EffectiveLimits() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]uint64, len(t.rateLimits))
	for id, rl := range t.rateLimits {
		out[id] = rl.Limit
	}
	return out
}

// GetRelatedLimits resolves limitID to its RateLimit and the full set of
// (limit, weight) pairs a call against it would charge: the primary
// limit first, then each resolvable linked limit in declaration order.
// An unknown limitID returns (nil, nil). Unknown linked ids are skipped;
// a linked edge pointing back at the primary is preserved, deliberately
// double-charging the primary limit.
func (t *Throttler) GetRelatedLimits(limitID string) (*RateLimit, []LimitWeight) {
	t.mu.Lock()
	defer t.mu.Unlock()

	primary, ok := t.rateLimits[limitID]
	if !ok {
		return nil, nil
	}

	related := make([]LimitWeight, 0, 1+len(primary.LinkedLimits))
	related = append(related, LimitWeight{Limit: primary, Weight: primary.Weight})

	for _, linked := range primary.LinkedLimits {
		rl, ok := t.rateLimits[linked.LimitID]
		if !ok {
			continue
		}
		related = append(related, LimitWeight{Limit: rl, Weight: linked.Weight})
	}

	out := primary
	return &out, related
}

// Execute blocks until every rate limit applicable to limitID has
// headroom for its charge, then returns a release function. The
// release function never fails; it exists only so callers can bracket
// the admitted section symmetrically with defer.
//
// Execute returns ErrNoSuchLimit synchronously if limitID is unknown.
// It returns ErrImpossibleCharge on the first check if any applicable
// weight exceeds its limit's post-margin cap, unless the Throttler was
// built with WithImpossibleChargeBlocks, in which case it polls
// forever like the original client. It returns ctx.Err() if ctx is
// cancelled while waiting.
func (t *Throttler) Execute(ctx context.Context, limitID string) (func(), error) {
	_, related := t.GetRelatedLimits(limitID)
	if related == nil {
		return nil, noSuchLimitErrorf(limitID)
	}

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)
	if rootSpan.IsRecording() {
		ctx, span = t.tracer.Start(
			ctx,
			"throttler.Execute",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("throttler.limit_id", limitID),
				attribute.Int("throttler.related_count", len(related)),
			),
		)
		defer span.End()
	}

	start := time.Now()

	for {
		waited, err := t.tryAdmit(limitID, related)
		if err != nil {
			t.metrics.impossibleChargeTotal.WithLabelValues(limitID).Inc()
			t.logger.WarnCtx(ctx, "impossible charge", log.String("limit_id", limitID), log.Error(err))
			if rootSpan.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, err
		}
		if !waited {
			t.metrics.admissionsTotal.WithLabelValues(limitID).Inc()
			t.metrics.admissionWaitSeconds.WithLabelValues(limitID).Observe(time.Since(start).Seconds())
			return func() {}, nil
		}

		t.logger.DebugCtx(ctx, "waiting for admission", log.String("limit_id", limitID))

		timer := time.NewTimer(t.retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// tryAdmit performs one prune-check-append attempt under a single lock
// acquisition. It returns (true, nil) if the caller must wait and try
// again, (false, nil) if admitted, and (false, err) if an applicable
// weight is impossible to satisfy and blockOnImpossible is false.
func (t *Throttler) tryAdmit(limitID string, related []LimitWeight) (wait bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	windows := make(map[string]time.Duration, len(t.rateLimits))
	for id, rl := range t.rateLimits {
		windows[id] = rl.TimeInterval
	}
	t.taskLog = prune(t.taskLog, windows, now)

	if !t.blockOnImpossible {
		for _, lw := range related {
			if ceiling := effectiveCap(lw.Limit.Limit, t.safetyMarginPct); lw.Weight > ceiling {
				return false, impossibleChargeErrorf(lw.Limit.LimitID, lw.Weight, ceiling)
			}
		}
	}

	for _, lw := range related {
		ceiling := effectiveCap(lw.Limit.Limit, t.safetyMarginPct)

		if sumWeight(t.taskLog, lw.Limit.LimitID)+lw.Weight > ceiling {
			return true, nil
		}
	}

	for _, lw := range related {
		t.taskLog = append(t.taskLog, taskLogEntry{
			Timestamp:   now,
			RateLimitID: lw.Limit.LimitID,
			Weight:      lw.Weight,
		})
	}

	return false, nil
}

// effectiveCap returns floor(limit * (1 - safetyMarginPct)), the
// admission ceiling applied at check time on top of the limit's own
// effective value computed at construction. Like scalePercentage, the
// fraction is rounded to the nearest millionth before the integer
// division so a float64 value like 0.5 or 0.95 can't drift from
// truncation of its binary representation.
func effectiveCap(limit uint64, safetyMarginPct float64) uint64 {
	numerator := uint64(math.Round((1 - safetyMarginPct) * percentagePrecision))
	return (limit * numerator) / percentagePrecision
}
