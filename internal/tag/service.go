package tag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/tagsync/internal/batch"
	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/sankaku"
)

// RemoteClient はタグ操作が必要とするリモートAPI呼び出しのインターフェース。
// テスト時にモックに差し替え可能。
type RemoteClient interface {
	FetchTagWiki(ctx context.Context, tagName string) (*sankaku.WikiResult, error)
	FetchFollowings(ctx context.Context) ([]sankaku.FollowingTag, error)
	Follow(ctx context.Context, tagID int64) error
	Unfollow(ctx context.Context, tagID int64) error
	Autosuggest(ctx context.Context, term string) ([]sankaku.Suggestion, error)
}

// MetricsRecorder はバッチ実行の成否をメトリクスに記録する。
type MetricsRecorder interface {
	RecordBatchOutcome(operation string, successCount, failCount int)
}

// PostCacheDropper は削除されたタグの投稿キャッシュを破棄する。
type PostCacheDropper interface {
	Delete(ctx context.Context, tagName string) error
}

// ServiceConfig はバッチ実行パラメータ。
type ServiceConfig struct {
	// メタデータ一括取得: 1バッチ10件・バッチ間5秒
	WikiBatchSize  int
	WikiBatchDelay time.Duration

	// フォロー・アンフォロー一括操作: 1バッチ2件・バッチ間2秒
	FollowBatchSize  int
	FollowBatchDelay time.Duration

	// フォロー状態スナップショットの鮮度ウィンドウ
	FollowingStaleAfter time.Duration

	// エクスポート時の閲覧用URLのベース
	PublicBaseURL string
}

// ItemFailure はバッチ内の1件の失敗を表す。
type ItemFailure struct {
	TagName string `json:"tagName"`
	Reason  string `json:"reason"`
}

// BatchSummary は一括操作の集計結果。
// Total == SuccessCount + FailCount が常に成り立つ。対象外として
// スキップされた件数は別枠で数える。
type BatchSummary struct {
	Total        int           `json:"total"`
	SuccessCount int           `json:"success_count"`
	FailCount    int           `json:"fail_count"`
	SkippedCount int           `json:"skipped_count"`
	Failures     []ItemFailure `json:"failures,omitempty"`
}

// SyncFollowingSummary はフォロー状態同期の結果。
type SyncFollowingSummary struct {
	RemoteCount   int           `json:"remote_count"`
	InsertedCount int           `json:"inserted_count"`
	InsertedTags  []string      `json:"inserted_tags,omitempty"`
	WikiFetch     *BatchSummary `json:"wiki_fetch,omitempty"`
}

// ExportedTag はエクスポート用にタグへ閲覧用URLを付与したもの。
type ExportedTag struct {
	*model.Tag
	PostsURL string `json:"postsUrl,omitempty"`
	WikiURL  string `json:"wikiUrl,omitempty"`
}

// Service はタグカタログの操作を提供する。
// カタログへの反映とバッチ駆動を担い、操作単位で永続化をフラッシュする。
type Service struct {
	cache     *Cache
	client    RemoteClient
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
	metrics   MetricsRecorder
	postCache PostCacheDropper
	config    ServiceConfig

	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewService(cache *Cache, client RemoteClient, logger *slog.Logger, metrics MetricsRecorder, config ServiceConfig) *Service {
	return &Service{
		cache:  cache,
		client: client,
		// wiki本文はリモート由来のHTMLを含みうるため表示前に無害化する
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// SetPostCacheDropper はタグ削除時に投稿キャッシュも破棄するよう設定する。
func (s *Service) SetPostCacheDropper(d PostCacheDropper) {
	s.postCache = d
}

// List は絞り込み条件に一致するタグ一覧を返す。
// sortAttrが空でない場合は先に並び替えを適用する（並び替えはカタログの
// 順序を変更し永続化される）。
func (s *Service) List(ctx context.Context, followFilter, fetchFilter, sortAttr string) ([]*model.Tag, error) {
	if sortAttr != "" {
		s.cache.Sort(sortAttr)
		if err := s.cache.Flush(ctx); err != nil {
			return nil, fmt.Errorf("並び替え結果の保存に失敗しました: %w", err)
		}
	}

	return s.cache.Filter(followFilter, fetchFilter), nil
}

// FollowingStale はフォロー状態スナップショットが古くなっているかを返す。
func (s *Service) FollowingStale() bool {
	return s.cache.FollowingStale(s.now(), s.config.FollowingStaleAfter)
}

// RecentlyUnfollowed は最近アンフォローしたタグの一覧を返す。
func (s *Service) RecentlyUnfollowed() []*model.Tag {
	return s.cache.RecentlyUnfollowed()
}

// Add はタグをカタログへ追加し、即座にメタデータを取得する。
// メタデータ取得の失敗はタグにfailedマーカーとして残り、追加自体は成功する。
func (s *Service) Add(ctx context.Context, tagName string) (*model.Tag, error) {
	if _, err := s.cache.Add(tagName); err != nil {
		return nil, err
	}

	result, fetchErr := s.client.FetchTagWiki(ctx, tagName)
	s.sanitizeWiki(result)
	if err := s.cache.ApplyWikiResult(tagName, result, fetchErr); err != nil {
		return nil, err
	}

	if err := s.cache.Flush(ctx); err != nil {
		return nil, fmt.Errorf("タグ追加の保存に失敗しました: %w", err)
	}

	if fetchErr != nil {
		s.logger.Warn("追加したタグのメタデータ取得に失敗しました",
			slog.String("tag_name", tagName),
			slog.String("error", fetchErr.Error()),
		)
	}

	return s.cache.Find(tagName), nil
}

// Remove はタグをカタログから削除し、アンフォロー履歴へ移す。
func (s *Service) Remove(ctx context.Context, tagName string) error {
	if err := s.cache.Remove(tagName); err != nil {
		return err
	}
	if err := s.cache.Flush(ctx); err != nil {
		return fmt.Errorf("タグ削除の保存に失敗しました: %w", err)
	}

	// 投稿キャッシュの破棄はベストエフォート。カタログからの削除は確定済み。
	if s.postCache != nil {
		if err := s.postCache.Delete(ctx, tagName); err != nil {
			s.logger.Warn("削除したタグの投稿キャッシュ破棄に失敗しました",
				slog.String("tag_name", tagName),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Import は行区切りのタグ名一覧を取り込み、追加件数を返す。
func (s *Service) Import(ctx context.Context, text string) (int, error) {
	added := s.cache.ImportNames(text)
	if added > 0 {
		if err := s.cache.Flush(ctx); err != nil {
			return 0, fmt.Errorf("インポート結果の保存に失敗しました: %w", err)
		}
	}
	return added, nil
}

// FetchWiki は1タグのメタデータを取得してカタログへ反映する。
// 取得失敗時もfailedマーカーを反映・永続化した上でエラーを返す。
func (s *Service) FetchWiki(ctx context.Context, tagName string) (*model.Tag, error) {
	if s.cache.Find(tagName) == nil {
		return nil, model.NewTagNotFoundError(tagName)
	}

	result, fetchErr := s.client.FetchTagWiki(ctx, tagName)
	s.sanitizeWiki(result)
	if err := s.cache.ApplyWikiResult(tagName, result, fetchErr); err != nil {
		return nil, err
	}

	if err := s.cache.Flush(ctx); err != nil {
		return nil, fmt.Errorf("メタデータ取得結果の保存に失敗しました: %w", err)
	}

	if fetchErr != nil {
		return nil, model.NewWikiFetchFailedError(tagName, fetchErr.Error())
	}

	return s.cache.Find(tagName), nil
}

// RefreshAll は未取得（未試行または前回失敗）の全タグのメタデータを
// 一括取得する。取得済みのタグはスキップされる。
// 永続化はバッチ全体の完了後に1回だけ行う。
func (s *Service) RefreshAll(ctx context.Context) (*BatchSummary, error) {
	var targets []string
	skipped := 0
	for _, t := range s.cache.List() {
		if t.Fetched == model.FetchStateFetched {
			skipped++
			continue
		}
		targets = append(targets, t.TagName)
	}

	result := batch.Run(ctx, s.logger, targets, s.fetchAndApplyWiki,
		s.config.WikiBatchSize, s.config.WikiBatchDelay)

	summary := summarize(result, skipped)
	s.recordBatch("wiki_refresh", summary)

	if err := s.cache.Flush(ctx); err != nil {
		return summary, fmt.Errorf("一括取得結果の保存に失敗しました: %w", err)
	}

	return summary, nil
}

// FollowTags は指定タグ群のフォローを一括登録する。
// 既にフォロー中のタグはスキップし、リモートidを持たないタグは
// ネットワーク呼び出しなしで失敗として数える。
func (s *Service) FollowTags(ctx context.Context, tagNames []string) (*BatchSummary, error) {
	return s.applyFollowBatch(ctx, tagNames, true)
}

// UnfollowTags は指定タグ群のフォローを一括解除する。
func (s *Service) UnfollowTags(ctx context.Context, tagNames []string) (*BatchSummary, error) {
	return s.applyFollowBatch(ctx, tagNames, false)
}

// SyncFollowing はリモートのフォロー中タグ一覧を取得してカタログへマージし、
// 新規挿入されたタグのメタデータを一括取得する。
// スナップショットの取得時刻を更新し、全体を1回で永続化する。
func (s *Service) SyncFollowing(ctx context.Context) (*SyncFollowingSummary, error) {
	remote, err := s.client.FetchFollowings(ctx)
	if err != nil {
		return nil, model.NewFollowFailedError("followings", err.Error())
	}

	inserted := s.cache.MergeFollowingSnapshot(remote)
	s.cache.SetLastFollowingFetch(s.now())

	summary := &SyncFollowingSummary{
		RemoteCount:   len(remote),
		InsertedCount: len(inserted),
		InsertedTags:  inserted,
	}

	// 新規挿入されたタグは未取得状態なのでメタデータを取りに行く
	if len(inserted) > 0 {
		result := batch.Run(ctx, s.logger, inserted, s.fetchAndApplyWiki,
			s.config.WikiBatchSize, s.config.WikiBatchDelay)
		summary.WikiFetch = summarize(result, 0)
		s.recordBatch("wiki_refresh", summary.WikiFetch)
	}

	if err := s.cache.Flush(ctx); err != nil {
		return summary, fmt.Errorf("フォロー同期結果の保存に失敗しました: %w", err)
	}

	s.logger.Info("フォロー状態を同期しました",
		slog.Int("remote_count", summary.RemoteCount),
		slog.Int("inserted_count", summary.InsertedCount),
	)

	return summary, nil
}

// Suggest はタグ検索のオートサジェスト候補を返す。
func (s *Service) Suggest(ctx context.Context, term string) ([]sankaku.Suggestion, error) {
	return s.client.Autosuggest(ctx, term)
}

// Export はカタログ全体へ閲覧用URLを付与して返す。
// URLは取得済みのタグにのみ付与する。
func (s *Service) Export(ctx context.Context) []ExportedTag {
	tags := s.cache.List()
	exported := make([]ExportedTag, 0, len(tags))
	for _, t := range tags {
		e := ExportedTag{Tag: t}
		if t.Fetched == model.FetchStateFetched {
			e.PostsURL = s.config.PublicBaseURL + "/?tags=" + url.QueryEscape(t.TagName)
			e.WikiURL = "/tag?tagName=" + url.QueryEscape(t.TagName)
		}
		exported = append(exported, e)
	}
	return exported
}

// UpdatePostCounters は投稿同期後の非正規化カウンタを反映して永続化する。
func (s *Service) UpdatePostCounters(ctx context.Context, tagName string, fetchedPostCount int, lastFetched int64) error {
	if err := s.cache.UpdatePostCounters(tagName, fetchedPostCount, lastFetched); err != nil {
		return err
	}
	return s.cache.Flush(ctx)
}

// FindTag は指定名のタグを返す。posts側から参照される。
func (s *Service) FindTag(tagName string) *model.Tag {
	return s.cache.Find(tagName)
}

// fetchAndApplyWiki はバッチアイテム1件分のメタデータ取得と反映を行う。
// カタログへの反映のみ行い、永続化はバッチ完了後にまとめて行われる。
func (s *Service) fetchAndApplyWiki(ctx context.Context, tagName string) error {
	result, fetchErr := s.client.FetchTagWiki(ctx, tagName)
	s.sanitizeWiki(result)
	if err := s.cache.ApplyWikiResult(tagName, result, fetchErr); err != nil {
		return err
	}
	return fetchErr
}

// applyFollowBatch はフォロー・アンフォローの一括操作を実行する。
func (s *Service) applyFollowBatch(ctx context.Context, tagNames []string, isFollow bool) (*BatchSummary, error) {
	operation := "follow"
	if !isFollow {
		operation = "unfollow"
	}

	// 対象の解決。既に目的の状態にあるタグは対象外。
	var targets []string
	var preFailures []ItemFailure
	skipped := 0
	for _, name := range tagNames {
		t := s.cache.Find(name)
		if t == nil {
			preFailures = append(preFailures, ItemFailure{TagName: name, Reason: "タグが見つかりません"})
			continue
		}
		if t.Following == isFollow {
			skipped++
			continue
		}
		if t.ID == 0 {
			// リモートidが無いタグはフォロー操作できない
			preFailures = append(preFailures, ItemFailure{TagName: name, Reason: "リモートidが未取得です"})
			continue
		}
		targets = append(targets, t.TagName)
	}

	result := batch.Run(ctx, s.logger, targets, func(ctx context.Context, tagName string) error {
		t := s.cache.Find(tagName)
		if t == nil {
			return model.NewTagNotFoundError(tagName)
		}

		var opErr error
		if isFollow {
			opErr = s.client.Follow(ctx, t.ID)
		} else {
			opErr = s.client.Unfollow(ctx, t.ID)
		}
		if err := s.cache.ApplyFollowResult(tagName, isFollow, opErr); err != nil {
			return err
		}
		return opErr
	}, s.config.FollowBatchSize, s.config.FollowBatchDelay)

	summary := summarize(result, skipped)
	summary.Total += len(preFailures)
	summary.FailCount += len(preFailures)
	summary.Failures = append(preFailures, summary.Failures...)
	s.recordBatch(operation, summary)

	if err := s.cache.Flush(ctx); err != nil {
		return summary, fmt.Errorf("フォロー一括操作の保存に失敗しました: %w", err)
	}

	return summary, nil
}

// sanitizeWiki はwiki本文のHTMLを無害化する。
func (s *Service) sanitizeWiki(result *sankaku.WikiResult) {
	if result == nil || result.Wiki == nil {
		return
	}
	result.Wiki.Body = s.sanitizer.Sanitize(result.Wiki.Body)
}

func (s *Service) recordBatch(operation string, summary *BatchSummary) {
	if s.metrics != nil {
		s.metrics.RecordBatchOutcome(operation, summary.SuccessCount, summary.FailCount)
	}
}

func summarize(result batch.Result[string], skipped int) *BatchSummary {
	summary := &BatchSummary{
		Total:        len(result.Outcomes),
		SuccessCount: result.SuccessCount,
		FailCount:    result.FailCount,
		SkippedCount: skipped,
	}
	for _, o := range result.Outcomes {
		if o.Err != nil {
			summary.Failures = append(summary.Failures, ItemFailure{TagName: o.Item, Reason: o.Err.Error()})
		}
	}
	return summary
}
