package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/store"
)

var testBonus = []int{1, 1, 2, 2, 3, 3, 5}

func newTestLimiter(t *testing.T, base int) (*Limiter, *store.MemoryUsage, *time.Time) {
	t.Helper()
	usage := store.NewMemoryUsage()
	l := New(usage, base, testBonus, zap.NewNop())
	clock := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return clock })
	return l, usage, &clock
}

func TestReserveUpToLimit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckAndReserve(ctx, "u1"), "reservation %d within the limit", i+1)
	}
	err := l.CheckAndReserve(ctx, "u1")
	require.ErrorIs(t, err, schemas.ErrLimitExceeded)
}

func TestReleaseReturnsSlot(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, 1)

	require.NoError(t, l.CheckAndReserve(ctx, "u1"))
	require.ErrorIs(t, l.CheckAndReserve(ctx, "u1"), schemas.ErrLimitExceeded)

	// A failed task returns its reservation, so the slot is usable again.
	require.NoError(t, l.Release(ctx, "u1"))
	require.NoError(t, l.CheckAndReserve(ctx, "u1"))
}

func TestReleaseAtZeroIsNoop(t *testing.T) {
	l, usage, _ := newTestLimiter(t, 1)
	require.NoError(t, l.Release(context.Background(), "u1"))

	u, err := usage.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.CountUsed)
}

func TestDateRolloverResetsCountNotStreak(t *testing.T) {
	ctx := context.Background()
	l, usage, clock := newTestLimiter(t, 1)

	streak, err := l.ClaimDailyReward(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, streak)

	require.NoError(t, l.CheckAndReserve(ctx, "u1"))
	require.NoError(t, l.CheckAndReserve(ctx, "u1")) // bonus slot from streak 1
	require.ErrorIs(t, l.CheckAndReserve(ctx, "u1"), schemas.ErrLimitExceeded)

	*clock = clock.AddDate(0, 0, 1)

	// Fresh day: the count resets but the stored streak survives.
	require.NoError(t, l.CheckAndReserve(ctx, "u1"))
	u, err := usage.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.CountUsed)
	assert.Equal(t, "2026-09-02", u.Date)
	assert.Equal(t, 1, u.Streak)
}

func TestStreakGrowthAndReset(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLimiter(t, 15)

	for day := 1; day <= 3; day++ {
		streak, err := l.ClaimDailyReward(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, day, streak)
		*clock = clock.AddDate(0, 0, 1)
	}

	// Skip a day; the streak falls back to 1.
	*clock = clock.AddDate(0, 0, 1)
	streak, err := l.ClaimDailyReward(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, streak)
}

func TestClaimTwiceSameDay(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, 15)

	first, err := l.ClaimDailyReward(ctx, "u1")
	require.NoError(t, err)
	second, err := l.ClaimDailyReward(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBonusTableWrapsAround(t *testing.T) {
	ctx := context.Background()
	l, usage, _ := newTestLimiter(t, 15)

	// Streak 8 wraps to the first table entry.
	require.NoError(t, usage.Put(ctx, schemas.DailyUsage{
		UserID:                "u1",
		Date:                  "2026-09-01",
		Streak:                8,
		LastRewardClaimedDate: "2026-09-01",
	}))
	limit, err := l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 15+testBonus[(8-1)%len(testBonus)], limit)
}

func TestBonusRequiresTodayClaim(t *testing.T) {
	ctx := context.Background()
	l, usage, _ := newTestLimiter(t, 15)

	// A streak claimed yesterday contributes nothing until reclaimed today.
	require.NoError(t, usage.Put(ctx, schemas.DailyUsage{
		UserID:                "u1",
		Date:                  "2026-08-31",
		Streak:                5,
		LastRewardClaimedDate: "2026-08-31",
	}))
	limit, err := l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 15, limit)

	streak, err := l.ClaimDailyReward(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 6, streak)
	limit, err = l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 15+testBonus[(6-1)%len(testBonus)], limit)
}

func TestUsersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, 1)

	require.NoError(t, l.CheckAndReserve(ctx, "u1"))
	require.ErrorIs(t, l.CheckAndReserve(ctx, "u1"), schemas.ErrLimitExceeded)
	require.NoError(t, l.CheckAndReserve(ctx, "u2"))
}
