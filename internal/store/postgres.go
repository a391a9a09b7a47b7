package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Postgres persists answer history and daily usage rows. It implements
// schemas.AnswerStore and schemas.UsageStore.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.AnswerStore = (*Postgres)(nil)
	_ schemas.UsageStore  = (*Postgres)(nil)
)

// NewPostgres creates a store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Append records one answered question in the user's history.
func (s *Postgres) Append(ctx context.Context, userID string, a schemas.Answer) error {
	const sql = `
        INSERT INTO answers (user_id, question_text, answer_value, answered_at)
        VALUES ($1, $2, $3, $4);
    `
	if _, err := s.pool.Exec(ctx, sql, userID, a.QuestionText, a.Value, a.AnsweredAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert answer: %w", err)
	}
	return nil
}

// History returns the user's full answer history in chronological order.
func (s *Postgres) History(ctx context.Context, userID string) ([]schemas.Answer, error) {
	const sql = `
        SELECT question_text, answer_value, answered_at
        FROM answers
        WHERE user_id = $1
        ORDER BY answered_at ASC;
    `
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var history []schemas.Answer
	for rows.Next() {
		var a schemas.Answer
		if err := rows.Scan(&a.QuestionText, &a.Value, &a.AnsweredAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		history = append(history, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return history, nil
}

// Get returns the user's usage row. A user with no row yet gets a zero-valued
// row carrying only the user id; the limiter treats that as a fresh day.
func (s *Postgres) Get(ctx context.Context, userID string) (schemas.DailyUsage, error) {
	const sql = `
        SELECT user_id, date, count_used, streak, last_reward_claimed_date
        FROM daily_usage
        WHERE user_id = $1;
    `
	var u schemas.DailyUsage
	err := s.pool.QueryRow(ctx, sql, userID).Scan(
		&u.UserID, &u.Date, &u.CountUsed, &u.Streak, &u.LastRewardClaimedDate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.DailyUsage{UserID: userID}, nil
	}
	if err != nil {
		return schemas.DailyUsage{}, fmt.Errorf("failed to query daily usage: %w", err)
	}
	return u, nil
}

// Put upserts the user's usage row.
func (s *Postgres) Put(ctx context.Context, u schemas.DailyUsage) error {
	const sql = `
        INSERT INTO daily_usage (user_id, date, count_used, streak, last_reward_claimed_date)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id) DO UPDATE SET
            date = EXCLUDED.date,
            count_used = EXCLUDED.count_used,
            streak = EXCLUDED.streak,
            last_reward_claimed_date = EXCLUDED.last_reward_claimed_date;
    `
	if _, err := s.pool.Exec(ctx, sql, u.UserID, u.Date, u.CountUsed, u.Streak, u.LastRewardClaimedDate); err != nil {
		return fmt.Errorf("failed to upsert daily usage: %w", err)
	}
	return nil
}
