// Package store 讀書紀錄與使用者資料的 PostgreSQL 存取
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// NewPool 建立連線池並確認可連線
func NewPool(ctx context.Context, dsn string, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Postgres 排行榜同步來源與使用者資訊載入器
type Postgres struct {
	pool   *pgxpool.Pool
	loc    *time.Location
	logger *slog.Logger
}

// NewPostgres 創建 PostgreSQL 存取層，loc 決定週期的切分時區
func NewPostgres(pool *pgxpool.Pool, loc *time.Location, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, loc: loc, logger: logger}
}

const totalsQuery = `
SELECT user_id,
       COALESCE(SUM(minutes) FILTER (WHERE ended_at >= $1), 0) AS daily,
       COALESCE(SUM(minutes) FILTER (WHERE ended_at >= $2), 0) AS weekly,
       COALESCE(SUM(minutes) FILTER (WHERE ended_at >= $3), 0) AS monthly,
       COALESCE(SUM(minutes) FILTER (WHERE ended_at >= $4), 0) AS yearly
FROM study_sessions
WHERE ended_at >= $5 AND ended_at < $6
GROUP BY user_id`

// Totals 計算每位使用者在四個週期內的累積分鐘數
func (p *Postgres) Totals(ctx context.Context, now time.Time) (map[string]rank.PeriodScores, error) {
	daily := rank.WindowStart(rank.Daily, now, p.loc)
	weekly := rank.WindowStart(rank.Weekly, now, p.loc)
	monthly := rank.WindowStart(rank.Monthly, now, p.loc)
	yearly := rank.WindowStart(rank.Yearly, now, p.loc)

	// 一月初的週可能從去年開始
	earliest := yearly
	if weekly.Before(earliest) {
		earliest = weekly
	}

	rows, err := p.pool.Query(ctx, totalsQuery, daily, weekly, monthly, yearly, earliest, now)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]rank.PeriodScores)
	for rows.Next() {
		var (
			userID string
			scores rank.PeriodScores
		)
		if err := rows.Scan(&userID, &scores.Daily, &scores.Weekly, &scores.Monthly, &scores.Yearly); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		totals[userID] = scores
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate totals: %w", err)
	}

	return totals, nil
}

// UserInfo 讀取使用者顯示資訊
func (p *Postgres) UserInfo(ctx context.Context, userID string) (cache.UserInfo, error) {
	var info cache.UserInfo
	err := p.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, level FROM users WHERE id = $1`,
		userID,
	).Scan(&info.ID, &info.DisplayName, &info.AvatarURL, &info.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.UserInfo{}, apperrors.New(apperrors.ErrCodeNotFound, "user not found").WithDetails(userID)
	}
	if err != nil {
		return cache.UserInfo{}, fmt.Errorf("query user %s: %w", userID, err)
	}
	return info, nil
}

// UserInfos 批次讀取使用者顯示資訊，不存在的 id 直接略過
func (p *Postgres) UserInfos(ctx context.Context, userIDs []string) ([]cache.UserInfo, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, display_name, avatar_url, level FROM users WHERE id = ANY($1) ORDER BY id`,
		userIDs)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cache.UserInfo, error) {
		var info cache.UserInfo
		err := row.Scan(&info.ID, &info.DisplayName, &info.AvatarURL, &info.Level)
		return info, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return infos, nil
}

// UpsertUser 寫入或更新使用者
func (p *Postgres) UpsertUser(ctx context.Context, info cache.UserInfo) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, avatar_url, level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url = EXCLUDED.avatar_url,
		    level = EXCLUDED.level,
		    updated_at = now()`,
		info.ID, info.DisplayName, info.AvatarURL, info.Level)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", info.ID, err)
	}
	return nil
}

// StudySession 一段完成的讀書時間
type StudySession struct {
	UserID    string
	Minutes   int64
	StartedAt time.Time
	EndedAt   time.Time
}

// RecordSessions 批次寫入讀書紀錄
func (p *Postgres) RecordSessions(ctx context.Context, sessions []StudySession) error {
	if len(sessions) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(sessions))
	for _, s := range sessions {
		if s.Minutes < 0 {
			return apperrors.ErrInvalidScore.WithDetails(s.UserID)
		}
		rows = append(rows, []any{s.UserID, s.Minutes, s.StartedAt, s.EndedAt})
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"study_sessions"},
		[]string{"user_id", "minutes", "started_at", "ended_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy study sessions: %w", err)
	}
	return nil
}

// Ping 檢查資料庫連線
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
