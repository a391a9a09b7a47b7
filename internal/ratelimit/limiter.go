package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

const dateLayout = "2006-01-02"

// Limiter gates application attempts against a per-user daily quota with a
// streak bonus. All state lives in the injected UsageStore so multiple
// limiter instances can coexist in one process.
type Limiter struct {
	usage schemas.UsageStore
	base  int
	bonus []int
	log   *zap.Logger
	now   func() time.Time
}

// New creates a limiter with the given base quota and streak bonus table.
func New(usage schemas.UsageStore, base int, bonus []int, logger *zap.Logger) *Limiter {
	return &Limiter{
		usage: usage,
		base:  base,
		bonus: bonus,
		log:   logger.Named("ratelimit"),
		now:   time.Now,
	}
}

// SetClock overrides the limiter's clock. Tests only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// CheckAndReserve consumes one quota slot for the user, resetting the daily
// count first when the recorded date is stale. It fails with ErrLimitExceeded
// once count_used reaches the day's limit. A reservation for a task that later
// fails must be returned via Release so failed applications never consume
// quota.
func (l *Limiter) CheckAndReserve(ctx context.Context, userID string) error {
	u, err := l.usage.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	today := l.now().Format(dateLayout)
	if u.Date != today {
		u.Date = today
		u.CountUsed = 0
	}

	limit := l.base + l.bonusFor(u, today)
	if u.CountUsed >= limit {
		l.log.Info("Daily quota exhausted.",
			zap.String("user_id", userID),
			zap.Int("count_used", u.CountUsed),
			zap.Int("limit", limit))
		return schemas.ErrLimitExceeded
	}

	u.CountUsed++
	if err := l.usage.Put(ctx, u); err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}

// Release returns a previously reserved slot after a failed task.
func (l *Limiter) Release(ctx context.Context, userID string) error {
	u, err := l.usage.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	if u.CountUsed == 0 {
		return nil
	}
	u.CountUsed--
	if err := l.usage.Put(ctx, u); err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}

// ClaimDailyReward marks today's engagement. Consecutive calendar days grow
// the streak; a gap resets it to 1. Claiming twice on one day is a no-op.
func (l *Limiter) ClaimDailyReward(ctx context.Context, userID string) (int, error) {
	u, err := l.usage.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load usage: %w", err)
	}

	now := l.now()
	today := now.Format(dateLayout)
	if u.LastRewardClaimedDate == today {
		return u.Streak, nil
	}

	yesterday := now.AddDate(0, 0, -1).Format(dateLayout)
	if u.LastRewardClaimedDate == yesterday {
		u.Streak++
	} else {
		u.Streak = 1
	}
	u.LastRewardClaimedDate = today

	if err := l.usage.Put(ctx, u); err != nil {
		return 0, fmt.Errorf("failed to persist usage: %w", err)
	}
	l.log.Info("Daily reward claimed.", zap.String("user_id", userID), zap.Int("streak", u.Streak))
	return u.Streak, nil
}

// Limit reports the user's current daily limit without reserving.
func (l *Limiter) Limit(ctx context.Context, userID string) (int, error) {
	u, err := l.usage.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load usage: %w", err)
	}
	return l.base + l.bonusFor(u, l.now().Format(dateLayout)), nil
}

// bonusFor returns the streak bonus, applied only when the reward was claimed
// on the given calendar day.
func (l *Limiter) bonusFor(u schemas.DailyUsage, today string) int {
	if u.Streak <= 0 || u.LastRewardClaimedDate != today {
		return 0
	}
	return l.bonus[(u.Streak-1)%len(l.bonus)]
}
