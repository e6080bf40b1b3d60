// Package batch は固定サイズバッチでの非同期一括処理ドライバを提供する。
// バッチ内は同時実行、バッチ間は固定待機というリモートAPI向けの
// 保守的なレート制限方式を実装する。
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome は1アイテムの処理結果を表す。
type Outcome[T any] struct {
	Item T
	Err  error
}

// Result はバッチ実行全体の結果を表す。
// 常に SuccessCount + FailCount == len(Outcomes) == 入力アイテム数 が成り立つ。
// キャンセルにより開始されなかったバッチのアイテムはcontextエラーを持つ
// 失敗として計上される。
type Result[T any] struct {
	SuccessCount int
	FailCount    int
	Outcomes     []Outcome[T]
}

// Run はitemsをbatchSizeごとのバッチに分割し、opを適用する。
//
// バッチ内の全アイテムは互いを待たずに同時に発行される（同時実行数の上限は
// batchSize）。1アイテムの失敗は同一バッチの他アイテムにも後続バッチにも
// 影響せず、全アイテムの成否が個別に記録される。
//
// バッチ完了後、後続バッチが残っている場合のみinterBatchDelayだけ待機する。
// これがリモートAPIに対する唯一のレート制限機構となる。
//
// ctxがキャンセルされた場合、未開始のバッチのネットワーク呼び出しは一切
// 発行されない。発行済みの呼び出しは完了を待つが、開始されなかったバッチの
// アイテムに部分適用が残ることはない。
func Run[T any](ctx context.Context, logger *slog.Logger, items []T, op func(context.Context, T) error, batchSize int, interBatchDelay time.Duration) Result[T] {
	if batchSize <= 0 {
		batchSize = 1
	}

	result := Result[T]{
		Outcomes: make([]Outcome[T], 0, len(items)),
	}

	if len(items) == 0 {
		return result
	}

	runID := uuid.New().String()
	batchCount := (len(items) + batchSize - 1) / batchSize

	logger.Info("バッチ実行を開始します",
		slog.String("run_id", runID),
		slog.Int("item_count", len(items)),
		slog.Int("batch_size", batchSize),
		slog.Int("batch_count", batchCount),
		slog.Duration("inter_batch_delay", interBatchDelay),
	)

	start := time.Now()

	for i := 0; i < len(items); i += batchSize {
		// バッチ間の待機（初回は待たない）。待機中のキャンセルも拾う。
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interBatchDelay):
			}
		}

		// キャンセル済みなら残りのバッチは開始しない
		if ctx.Err() != nil {
			for _, item := range items[i:] {
				result.Outcomes = append(result.Outcomes, Outcome[T]{Item: item, Err: ctx.Err()})
				result.FailCount++
			}
			logger.Warn("キャンセルにより残りのバッチを中止しました",
				slog.String("run_id", runID),
				slog.Int("remaining_items", len(items)-i),
			)
			break
		}

		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		slice := items[i:end]

		// バッチ内の全アイテムを同時に発行し、全件の完了を待つ。
		// バッチ境界が同期バリアとなる。
		outcomes := make([]Outcome[T], len(slice))
		var wg sync.WaitGroup
		for j, item := range slice {
			wg.Add(1)
			go func(j int, item T) {
				defer wg.Done()
				outcomes[j] = Outcome[T]{Item: item, Err: op(ctx, item)}
			}(j, item)
		}
		wg.Wait()

		for _, o := range outcomes {
			result.Outcomes = append(result.Outcomes, o)
			if o.Err != nil {
				result.FailCount++
			} else {
				result.SuccessCount++
			}
		}
	}

	logger.Info("バッチ実行が完了しました",
		slog.String("run_id", runID),
		slog.Int("success_count", result.SuccessCount),
		slog.Int("fail_count", result.FailCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result
}
