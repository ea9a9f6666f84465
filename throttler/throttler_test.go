package throttler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.apithrottle.dev/throttle/throttler"
)

func newThrottlerT(t *testing.T, limits []throttler.RateLimit, opts ...throttler.Option) *throttler.Throttler {
	t.Helper()
	th, err := throttler.New(limits, opts...)
	require.NoError(t, err)
	return th
}

// S1: single-limit admission below cap completes quickly, without any
// caller having to wait for the window to roll over.
func TestExecute_SingleLimitBelowCap(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second, Weight: 1},
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		release, err := th.Execute(context.Background(), "A")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		release()
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
}

// S2: single-limit admission at cap forces the concurrent callers beyond
// the cap to wait for the window to roll over.
func TestExecute_AtCapForcesWait(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second, Weight: 1},
	})

	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := th.Execute(context.Background(), "A")
			require.NoError(t, err)
			time.Sleep(10 * time.Millisecond)
			release()
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
}

// S3: a safety margin reduces the effective admission cap.
func TestExecute_SafetyMarginReducesCap(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second, Weight: 1},
	}, throttler.WithSafetyMarginPct(0.5))

	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := th.Execute(context.Background(), "A")
			require.NoError(t, err)
			time.Sleep(10 * time.Millisecond)
			release()
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
}

// S4: a linked limit is charged alongside its primary limit, one entry
// each, every time the primary is charged. "global" has exactly enough
// room for 5 charges of weight 2 (= 10); a 6th "ep" admission must then
// block on "global", which only happens if every prior "ep" admission
// really did append a "global" entry of weight 2.
func TestExecute_LinkedLimitsDoubleCharge(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{
			LimitID: "ep", Limit: 1000, TimeInterval: time.Second, Weight: 1,
			LinkedLimits: []throttler.LinkedLimitWeight{{LimitID: "global", Weight: 2}},
		},
		{LimitID: "global", Limit: 10, TimeInterval: 60 * time.Second},
	}, throttler.WithSafetyMarginPct(0))

	for i := 0; i < 5; i++ {
		release, err := th.Execute(context.Background(), "ep")
		require.NoError(t, err)
		release()
	}

	limits := th.EffectiveLimits()
	require.Contains(t, limits, "ep")
	require.Contains(t, limits, "global")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := th.Execute(ctx, "ep")
	require.ErrorIs(t, err, context.DeadlineExceeded, "global should already carry 10 weight from 5 double-charged ep admissions, leaving no room for a 6th")
}

// S5: an unknown limit id fails synchronously, before any wait.
func TestExecute_UnknownIDFailsFast(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second},
	})

	start := time.Now()
	_, err := th.Execute(context.Background(), "B")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, throttler.ErrNoSuchLimit)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

// S6: pruning reclaims slots once entries age out of the window.
func TestExecute_PruningReclaimsSlots(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 2, TimeInterval: 200 * time.Millisecond},
	})

	for i := 0; i < 2; i++ {
		release, err := th.Execute(context.Background(), "A")
		require.NoError(t, err)
		release()
	}

	time.Sleep(300 * time.Millisecond)

	for i := 0; i < 2; i++ {
		release, err := th.Execute(context.Background(), "A")
		require.NoError(t, err)
		release()
	}
}

// Pruning must use each log entry's own limit's window, not the window
// of whichever limit the current caller happens to be checking:
// admitting against a short-window limit must not evict a long-window
// limit's still-live entries from the shared log.
func TestExecute_PruneUsesEntryOwnLimitWindow(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "long", Limit: 1, TimeInterval: time.Minute, Weight: 1},
		{LimitID: "short", Limit: 100, TimeInterval: time.Millisecond, Weight: 1},
	}, throttler.WithSafetyMarginPct(0))

	release, err := th.Execute(context.Background(), "long")
	require.NoError(t, err)
	release()

	for i := 0; i < 10; i++ {
		release, err := th.Execute(context.Background(), "short")
		require.NoError(t, err)
		release()
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = th.Execute(ctx, "long")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// Invariant 3: GetRelatedLimits returns the primary limit first,
// followed by resolvable linked limits in declaration order, skipping
// unknown linked ids.
func TestGetRelatedLimits_OrderAndUnknownSkipped(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{
			LimitID: "ep", Limit: 10, TimeInterval: time.Second, Weight: 1,
			LinkedLimits: []throttler.LinkedLimitWeight{
				{LimitID: "global", Weight: 2},
				{LimitID: "missing", Weight: 9},
			},
		},
		{LimitID: "global", Limit: 100, TimeInterval: 60 * time.Second},
	})

	primary, related := th.GetRelatedLimits("ep")
	require.NotNil(t, primary)
	require.Equal(t, "ep", primary.LimitID)
	require.Len(t, related, 2)
	assert.Equal(t, "ep", related[0].Limit.LimitID)
	assert.Equal(t, "global", related[1].Limit.LimitID)
	assert.Equal(t, uint64(2), related[1].Weight)

	primary, related = th.GetRelatedLimits("missing")
	assert.Nil(t, primary)
	assert.Nil(t, related)
}

// Invariant 4: Copy() starts with an empty task log independent of the
// original.
func TestCopy_IndependentTaskLog(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 5, TimeInterval: time.Second},
	})

	release, err := th.Execute(context.Background(), "A")
	require.NoError(t, err)
	release()

	cp := th.Copy()

	for i := 0; i < 5; i++ {
		release, err := cp.Execute(context.Background(), "A")
		require.NoError(t, err)
		release()
	}

	release, err = th.Execute(context.Background(), "A")
	require.NoError(t, err)
	release()
}

// Invariant 5: limits_share_percentage scales every limit at
// construction time.
func TestNew_LimitsSharePercentage(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second},
	}, throttler.WithLimitsSharePercentage(50))

	assert.Equal(t, uint64(5), th.EffectiveLimits()["A"])
}

func TestExecute_ImpossibleCharge(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second, Weight: 20},
	})

	_, err := th.Execute(context.Background(), "A")
	require.ErrorIs(t, err, throttler.ErrImpossibleCharge)
}

func TestExecute_ImpossibleChargeBlocksOptOut(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second, Weight: 20},
	}, throttler.WithImpossibleChargeBlocks())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := th.Execute(ctx, "A")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RejectsDuplicateLimitID(t *testing.T) {
	_, err := throttler.New([]throttler.RateLimit{
		{LimitID: "A", Limit: 10, TimeInterval: time.Second},
		{LimitID: "A", Limit: 5, TimeInterval: time.Second},
	})
	require.ErrorIs(t, err, throttler.ErrConfig)
}

func TestNew_RejectsOutOfRangeParameters(t *testing.T) {
	base := []throttler.RateLimit{{LimitID: "A", Limit: 10, TimeInterval: time.Second}}

	_, err := throttler.New(base, throttler.WithSafetyMarginPct(1))
	require.ErrorIs(t, err, throttler.ErrConfig)

	_, err = throttler.New(base, throttler.WithLimitsSharePercentage(0))
	require.ErrorIs(t, err, throttler.ErrConfig)

	_, err = throttler.New(base, throttler.WithLimitsSharePercentage(150))
	require.ErrorIs(t, err, throttler.ErrConfig)
}

func TestExecute_ContextCancelledWhileWaiting(t *testing.T) {
	th := newThrottlerT(t, []throttler.RateLimit{
		{LimitID: "A", Limit: 1, TimeInterval: time.Minute, Weight: 1},
	}, throttler.WithSafetyMarginPct(0))

	release, err := th.Execute(context.Background(), "A")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = th.Execute(ctx, "A")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFilterRateLimits(t *testing.T) {
	limits := []throttler.RateLimit{
		{LimitID: "A", Limit: 1, TimeInterval: time.Second},
		{LimitID: "B", Limit: 1, TimeInterval: time.Second},
		{LimitID: "C", Limit: 1, TimeInterval: time.Second},
	}

	filtered := throttler.FilterRateLimits(limits, []string{"B"})
	require.Len(t, filtered, 2)
	assert.Equal(t, "A", filtered[0].LimitID)
	assert.Equal(t, "C", filtered[1].LimitID)

	assert.Len(t, throttler.FilterRateLimits(limits, nil), 3)
}
