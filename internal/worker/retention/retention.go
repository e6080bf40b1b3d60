// Package retention はキャッシュデータの自動整理ジョブを提供する。
// 保持期間（デフォルト30日）を超過した投稿キャッシュの削除と、
// アンフォロー履歴の上限（デフォルト200件）への切り詰めを日次バッチで行う。
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// UnfollowedTrimmer はアンフォロー履歴の切り詰めを行う。
type UnfollowedTrimmer interface {
	// TrimRecentlyUnfollowed は履歴を新しい順にmax件へ切り詰め、削除件数を返す。
	TrimRecentlyUnfollowed(max int) int
	// Flush はカタログ状態を永続化する。
	Flush(ctx context.Context) error
}

// RetentionJob は保持期間を超過したキャッシュの自動整理ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type RetentionJob struct {
	db      Executor
	trimmer UnfollowedTrimmer
	logger  *slog.Logger

	RetentionDays int // 投稿キャッシュの保持日数（デフォルト: 30）
	MaxUnfollowed int // アンフォロー履歴の上限件数（デフォルト: 200）
}

// NewRetentionJob は新しいRetentionJobを生成する。
// デフォルトは保持30日・履歴上限200件。
func NewRetentionJob(db Executor, trimmer UnfollowedTrimmer, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		db:            db,
		trimmer:       trimmer,
		logger:        logger,
		RetentionDays: 30,
		MaxUnfollowed: 200,
	}
}

// Run は保持期間を超過した投稿キャッシュを削除し、アンフォロー履歴を
// 切り詰める。updated_atがRetentionDays日前より古いpost_cacheキーを
// DELETEする。冪等: 削除対象がない場合でもエラーにならない。
func (j *RetentionJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM storage WHERE key LIKE 'post_cache/%' AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("投稿キャッシュ整理ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("投稿キャッシュ整理の実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	trimmedCount := 0
	if j.trimmer != nil {
		trimmedCount = j.trimmer.TrimRecentlyUnfollowed(j.MaxUnfollowed)
		if trimmedCount > 0 {
			if err := j.trimmer.Flush(ctx); err != nil {
				return fmt.Errorf("アンフォロー履歴の保存に失敗: %w", err)
			}
		}
	}

	duration := time.Since(start)
	j.logger.Info("キャッシュ整理ジョブが完了しました",
		slog.Int64("deleted_cache_count", deletedCount),
		slog.Int("trimmed_unfollowed_count", trimmedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返し実行する。ctxのキャンセルで停止する。
// 起動直後にも1回実行する。
func (j *RetentionJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("キャッシュ整理ジョブが失敗しました", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("キャッシュ整理ワーカーを停止します")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("キャッシュ整理ジョブが失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
