// Package posts はタグごとの投稿キャッシュと再開可能なページ順次取得を提供する。
package posts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/repository"
)

// TagLookup はタグカタログへの参照とカウンタ反映のインターフェース。
type TagLookup interface {
	FindTag(tagName string) *model.Tag
	UpdatePostCounters(ctx context.Context, tagName string, fetchedPostCount int, lastFetched int64) error
}

// PageFetcher はリモートの投稿一覧を1ページ取得する。
type PageFetcher interface {
	FetchPostsPage(ctx context.Context, tagName string, limit, page int) ([]model.Post, error)
}

// FavoriteSetter はリモートのお気に入り状態を変更する。
type FavoriteSetter interface {
	SetFavorite(ctx context.Context, postID int64, favorite bool) error
}

// ImageEnricher はプレビュー画像を取得してbase64文字列を返す。
// 失敗時および非対応MIMEの場合は空文字列を返す（エラーは返さない）。
type ImageEnricher interface {
	FetchBase64(ctx context.Context, rawURL, mimeType string) string
}

// PostMetrics は投稿取得のメトリクスを記録する。
type PostMetrics interface {
	RecordPageFetch(latency time.Duration)
	RecordPostsCached(count int)
}

// Config は投稿取得のパラメータ。
type Config struct {
	// ページ間の固定待機（3秒）
	PagePause time.Duration
	// キャッシュの鮮度ウィンドウ（1時間）
	CacheTTL time.Duration
	// 1ページあたりの取得件数
	PageSize int
}

// SyncResult は1タグの投稿同期の結果。
type SyncResult struct {
	TagName      string `json:"tagName"`
	UpToDate     bool   `json:"up_to_date"`
	PagesFetched int    `json:"pages_fetched"`
	NewPosts     int    `json:"new_posts"`
	TotalPosts   int    `json:"total_posts"`
}

// PostsPage はキャッシュ済み投稿のページ分割済みビュー。
type PostsPage struct {
	Posts      []model.Post `json:"posts"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

// Paginator はタグごとの投稿キャッシュを管理し、リモートからの
// 順次ページ取得を駆動する。同一タグの同期は同時に1つしか走らない。
type Paginator struct {
	repo     repository.PostCacheRepository
	tags     TagLookup
	fetcher  PageFetcher
	favorite FavoriteSetter
	enricher ImageEnricher
	logger   *slog.Logger
	metrics  PostMetrics
	config   Config

	// タグごとの実行中ガード。キーは小文字タグ名。
	inFlightMu sync.Mutex
	inFlight   map[string]bool

	now func() time.Time
}

// NewPaginator はPaginatorの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewPaginator(repo repository.PostCacheRepository, tags TagLookup, fetcher PageFetcher, favorite FavoriteSetter, enricher ImageEnricher, logger *slog.Logger, metrics PostMetrics, config Config) *Paginator {
	return &Paginator{
		repo:     repo,
		tags:     tags,
		fetcher:  fetcher,
		favorite: favorite,
		enricher: enricher,
		logger:   logger,
		metrics:  metrics,
		config:   config,
		inFlight: make(map[string]bool),
		now:      time.Now,
	}
}

// SyncPosts は指定タグの投稿キャッシュをリモートの全投稿数まで進める。
//
// キャッシュが全件保持済みかつ鮮度ウィンドウ内の場合はネットワーク呼び出しを
// 行わない。再開時は最後の不完全ページを切り捨て、完全ページ境界から
// 取得し直す。各ページはページ間待機を挟んで順次取得され、ページ内の
// 投稿のプレビュー画像取得は並行して行われる。
//
// ページ取得に失敗した場合、それまでに取得済みのページはコミットした上で
// エラーを返す。次回の呼び出しはその地点から再開する。
func (p *Paginator) SyncPosts(ctx context.Context, tagName string) (*SyncResult, error) {
	t := p.tags.FindTag(tagName)
	if t == nil {
		return nil, model.NewTagNotFoundError(tagName)
	}
	if t.Fetched != model.FetchStateFetched {
		return nil, model.NewTagNotFetchedError(tagName)
	}
	if t.PostCount == 0 {
		return nil, model.NewNoPostsError(tagName)
	}

	// 同一タグの同期を多重実行させない
	key := strings.ToLower(tagName)
	p.inFlightMu.Lock()
	if p.inFlight[key] {
		p.inFlightMu.Unlock()
		return nil, model.NewSyncInProgressError(tagName)
	}
	p.inFlight[key] = true
	p.inFlightMu.Unlock()

	defer func() {
		p.inFlightMu.Lock()
		delete(p.inFlight, key)
		p.inFlightMu.Unlock()
	}()

	entry, err := p.repo.Load(ctx, tagName)
	if err != nil {
		return nil, fmt.Errorf("投稿キャッシュの読み込みに失敗しました: %w", err)
	}
	if entry == nil {
		entry = &model.PostCacheEntry{TagName: t.TagName}
	}

	now := p.now()

	// 全件保持済みかつ鮮度ウィンドウ内なら何もしない
	if entry.FetchedPostCount >= t.PostCount && entry.LastPostFetchedTime > 0 {
		age := now.Sub(time.UnixMilli(entry.LastPostFetchedTime))
		if age < p.config.CacheTTL {
			return &SyncResult{
				TagName:    t.TagName,
				UpToDate:   true,
				TotalPosts: entry.FetchedPostCount,
			}, nil
		}
	}

	// 再開位置の決定。最後の不完全ページは切り捨て、完全ページ境界から
	// 取得し直すことで重複も欠落も起きない。
	pageSize := p.config.PageSize
	fullPages := entry.FetchedPostCount / pageSize
	entry.FetchedPosts = entry.FetchedPosts[:fullPages*pageSize]
	entry.FetchedPostCount = len(entry.FetchedPosts)

	totalPages := (t.PostCount + pageSize - 1) / pageSize
	startPage := fullPages + 1
	before := entry.FetchedPostCount

	p.logger.Info("投稿の取得を開始します",
		slog.String("tag_name", t.TagName),
		slog.Int("start_page", startPage),
		slog.Int("total_pages", totalPages),
		slog.Int("cached_posts", before),
	)

	pagesFetched := 0
	var fetchErr error
	for page := startPage; page <= totalPages; page++ {
		// ページ間の固定待機（初回ページは待たない）
		if page > startPage {
			select {
			case <-ctx.Done():
				fetchErr = ctx.Err()
			case <-time.After(p.config.PagePause):
			}
			if fetchErr != nil {
				break
			}
		}

		fetchStart := time.Now()
		fetched, err := p.fetcher.FetchPostsPage(ctx, t.TagName, pageSize, page)
		if err != nil {
			fetchErr = model.NewPostFetchFailedError(t.TagName, page, err.Error())
			break
		}
		if p.metrics != nil {
			p.metrics.RecordPageFetch(time.Since(fetchStart))
		}

		// リモート側の件数減少でページが空になったら打ち切る
		if len(fetched) == 0 {
			break
		}

		p.enrichPage(ctx, fetched)
		entry.FetchedPosts = append(entry.FetchedPosts, fetched...)
		pagesFetched++
	}

	// 部分的に進んだ結果もコミットする。次回はこの地点から再開される。
	entry.FetchedPostCount = len(entry.FetchedPosts)
	entry.LastPostFetchedTime = now.UnixMilli()

	if err := p.repo.Save(ctx, entry); err != nil {
		return nil, fmt.Errorf("投稿キャッシュの保存に失敗しました: %w", err)
	}
	if err := p.tags.UpdatePostCounters(ctx, t.TagName, entry.FetchedPostCount, entry.LastPostFetchedTime); err != nil {
		return nil, err
	}

	newPosts := entry.FetchedPostCount - before
	if p.metrics != nil && newPosts > 0 {
		p.metrics.RecordPostsCached(newPosts)
	}

	result := &SyncResult{
		TagName:      t.TagName,
		PagesFetched: pagesFetched,
		NewPosts:     newPosts,
		TotalPosts:   entry.FetchedPostCount,
	}

	if fetchErr != nil {
		p.logger.Warn("投稿の取得が途中で失敗しました",
			slog.String("tag_name", t.TagName),
			slog.Int("pages_fetched", pagesFetched),
			slog.String("error", fetchErr.Error()),
		)
		return result, fetchErr
	}

	p.logger.Info("投稿の取得が完了しました",
		slog.String("tag_name", t.TagName),
		slog.Int("pages_fetched", pagesFetched),
		slog.Int("new_posts", newPosts),
		slog.Int("total_posts", entry.FetchedPostCount),
	)

	return result, nil
}

// CachedPosts はキャッシュ済み投稿のページ分割済みビューを返す。
// ratingが空または"all"以外の場合はレーティングで絞り込む。
// キャッシュが存在しない場合はNO_POSTSエラーを返す。
func (p *Paginator) CachedPosts(ctx context.Context, tagName string, page, perPage int, rating string) (*PostsPage, error) {
	entry, err := p.repo.Load(ctx, tagName)
	if err != nil {
		return nil, fmt.Errorf("投稿キャッシュの読み込みに失敗しました: %w", err)
	}
	if entry == nil || len(entry.FetchedPosts) == 0 {
		return nil, model.NewNoPostsError(tagName)
	}

	posts := entry.FetchedPosts
	if rating != "" && rating != "all" {
		filtered := make([]model.Post, 0, len(posts))
		for _, post := range posts {
			if post.Rating == rating {
				filtered = append(filtered, post)
			}
		}
		posts = filtered
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = p.config.PageSize
	}

	total := len(posts)
	totalPages := (total + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return &PostsPage{
		Posts:      posts[start:end],
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// SetFavorite はリモートのお気に入り状態を変更し、成功時に該当投稿を含む
// すべてのキャッシュエントリへ反映する。
func (p *Paginator) SetFavorite(ctx context.Context, postID int64, favorite bool) error {
	if err := p.favorite.SetFavorite(ctx, postID, favorite); err != nil {
		return fmt.Errorf("お気に入りの変更に失敗しました: %w", err)
	}

	tagNames, err := p.repo.ListTagNames(ctx)
	if err != nil {
		return fmt.Errorf("投稿キャッシュ一覧の取得に失敗しました: %w", err)
	}

	for _, tagName := range tagNames {
		entry, err := p.repo.Load(ctx, tagName)
		if err != nil {
			return fmt.Errorf("投稿キャッシュの読み込みに失敗しました: %w", err)
		}
		if entry == nil {
			continue
		}

		changed := false
		for i := range entry.FetchedPosts {
			if entry.FetchedPosts[i].ID == postID && entry.FetchedPosts[i].IsFavorited != favorite {
				entry.FetchedPosts[i].IsFavorited = favorite
				changed = true
			}
		}
		if !changed {
			continue
		}

		if err := p.repo.Save(ctx, entry); err != nil {
			return fmt.Errorf("投稿キャッシュの保存に失敗しました: %w", err)
		}
	}

	return nil
}

// enrichPage はページ内の全投稿のプレビュー画像を並行して取得する。
// 個々の失敗は投稿に空のままのフィールドとして残るだけで、ページ取得の
// 成否には影響しない。
func (p *Paginator) enrichPage(ctx context.Context, fetched []model.Post) {
	if p.enricher == nil {
		return
	}

	var wg sync.WaitGroup
	for i := range fetched {
		if fetched[i].PreviewURL == "" {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fetched[i].Base64EncodedReviewImage = p.enricher.FetchBase64(ctx, fetched[i].PreviewURL, fetched[i].FileType)
		}(i)
	}
	wg.Wait()
}
