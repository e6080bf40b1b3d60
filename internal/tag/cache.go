// Package tag はタグカタログのドメインロジックを提供する。
// フォロー状態スナップショットのマージ、メタデータ取得結果の反映、
// 並び替え・絞り込み、一括操作を含む。
package tag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/repository"
	"github.com/hitoshi/tagsync/internal/sankaku"
)

// Cache はタグカタログと最近アンフォローしたタグのメモリ上の唯一の所有者。
// 変更はすべてミューテックス保護下で行い、永続化は呼び出し元の操作単位で
// Flushによりブロブ全体を書き戻す（バッチ途中のフラッシュは行わない）。
type Cache struct {
	mu     sync.Mutex
	repo   repository.TagRepository
	logger *slog.Logger

	tags               []*model.Tag
	recentlyUnfollowed []*model.Tag
	lastFollowingFetch time.Time

	// 並び替えの状態。同じ属性が連続で要求されたら方向を反転する。
	sortBy   string
	sortDesc bool
}

// NewCache はCacheの新しいインスタンスを生成する。
func NewCache(repo repository.TagRepository, logger *slog.Logger) *Cache {
	return &Cache{
		repo:   repo,
		logger: logger,
	}
}

// Load は永続化済みのカタログ状態を読み込む。起動時に1回呼び出す。
func (c *Cache) Load(ctx context.Context) error {
	tags, err := c.repo.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("タグカタログの読み込みに失敗しました: %w", err)
	}

	unfollowed, err := c.repo.LoadRecentlyUnfollowed(ctx)
	if err != nil {
		return fmt.Errorf("アンフォロー履歴の読み込みに失敗しました: %w", err)
	}

	lastFetch, err := c.repo.LoadLastFollowingFetchTime(ctx)
	if err != nil {
		return fmt.Errorf("フォロー最終取得時刻の読み込みに失敗しました: %w", err)
	}

	c.mu.Lock()
	c.tags = tags
	c.recentlyUnfollowed = unfollowed
	c.lastFollowingFetch = lastFetch
	c.mu.Unlock()

	c.logger.Info("タグカタログを読み込みました",
		slog.Int("tag_count", len(tags)),
		slog.Int("unfollowed_count", len(unfollowed)),
	)

	return nil
}

// Flush はカタログ状態全体を永続化する。
// 各書き込みはキー単位のブロブ全体上書きで行われる。
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	tags := make([]*model.Tag, len(c.tags))
	copy(tags, c.tags)
	unfollowed := make([]*model.Tag, len(c.recentlyUnfollowed))
	copy(unfollowed, c.recentlyUnfollowed)
	lastFetch := c.lastFollowingFetch
	c.mu.Unlock()

	if err := c.repo.SaveCatalog(ctx, tags); err != nil {
		return err
	}
	if err := c.repo.SaveRecentlyUnfollowed(ctx, unfollowed); err != nil {
		return err
	}
	if !lastFetch.IsZero() {
		if err := c.repo.SaveLastFollowingFetchTime(ctx, lastFetch); err != nil {
			return err
		}
	}

	return nil
}

// List はカタログ全体の複製を返す。
func (c *Cache) List() []*model.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneTags(c.tags)
}

// RecentlyUnfollowed は最近アンフォローしたタグの複製一覧を返す。
func (c *Cache) RecentlyUnfollowed() []*model.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneTags(c.recentlyUnfollowed)
}

// Find は指定名のタグの複製を返す。見つからない場合はnil。
// タグ名の照合は大文字小文字を区別しない。
func (c *Cache) Find(tagName string) *model.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.findByName(tagName); t != nil {
		return t.Clone()
	}
	return nil
}

// MergeFollowingSnapshot はリモートのフォロー中タグ一覧をカタログへ
// マージし、新規挿入されたタグ名を返す。
//
// マージのキーはリモート識別子idであり、タグ名ではない（フォロー状態に
// ついてはリモートidが正となるため）。既存タグはfollowing=trueに更新し、
// 未知のidはカタログ先頭に未取得状態で挿入する。
// 同じ一覧で再実行しても新規挿入は発生しない。
func (c *Cache) MergeFollowingSnapshot(remote []sankaku.FollowingTag) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var inserted []string
	for _, ft := range remote {
		if ft.ID == 0 {
			continue
		}

		if existing := c.findByID(ft.ID); existing != nil {
			existing.Following = true
			continue
		}

		c.tags = append([]*model.Tag{{
			ID:        ft.ID,
			TagName:   ft.TagName,
			Fetched:   model.FetchStateNever,
			Following: true,
		}}, c.tags...)
		inserted = append(inserted, ft.TagName)
	}

	return inserted
}

// ApplyWikiResult はメタデータ取得の結果をタグに反映する。
// 成功時はfetched=Fetchedとし、返されたフィールドを浅くマージする
// （後勝ち）。失敗時はfetched=Failedとし、「未試行」と区別できる
// 失敗マーカーを残す。
func (c *Cache) ApplyWikiResult(tagName string, result *sankaku.WikiResult, fetchErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.findByName(tagName)
	if t == nil {
		return model.NewTagNotFoundError(tagName)
	}

	if fetchErr != nil {
		t.Fetched = model.FetchStateFailed
		return nil
	}

	t.Fetched = model.FetchStateFetched
	if result != nil {
		if result.Tag != nil {
			if result.Tag.ID != 0 {
				t.ID = result.Tag.ID
			}
			t.PostCount = result.Tag.PostCount
		}
		if result.Wiki != nil {
			w := *result.Wiki
			t.Wiki = &w
		}
	}

	return nil
}

// ApplyFollowResult はフォロー・アンフォロー操作の結果をタグに反映する。
// 成功時のみfollowingを更新し、アンフォロー成功時はアンフォロー履歴へ
// 追加する。失敗時はfollowingを変更しない（集計は呼び出し元が行う）。
func (c *Cache) ApplyFollowResult(tagName string, isFollow bool, opErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.findByName(tagName)
	if t == nil {
		return model.NewTagNotFoundError(tagName)
	}

	if opErr != nil {
		return nil
	}

	t.Following = isFollow
	if !isFollow {
		c.appendUnfollowed(t)
	}

	return nil
}

// Remove はタグをカタログから取り除き、アンフォロー履歴へ移す。
// 履歴からは削除されない。
func (c *Cache) Remove(tagName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, t := range c.tags {
		if strings.EqualFold(t.TagName, tagName) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.NewTagNotFoundError(tagName)
	}

	removed := c.tags[idx]
	c.tags = append(c.tags[:idx], c.tags[idx+1:]...)
	c.appendUnfollowed(removed)

	return nil
}

// Add はタグをカタログ先頭に未取得状態で追加する。
// 大文字小文字を区別せず重複を拒否する。
func (c *Cache) Add(tagName string) (*model.Tag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.findByName(tagName) != nil {
		return nil, model.NewTagAlreadyExistsError(tagName)
	}

	t := &model.Tag{
		TagName:   tagName,
		Fetched:   model.FetchStateNever,
		Following: false,
	}
	c.tags = append([]*model.Tag{t}, c.tags...)

	return t.Clone(), nil
}

// ImportNames は行区切りのタグ名一覧をカタログへ取り込み、追加件数を返す。
// 空行、#または//で始まるコメント行、既存タグとの重複（大文字小文字を
// 区別しない）はスキップする。タグ名は小文字に正規化して保存する。
func (c *Cache) ImportNames(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}

		tagName := strings.ToLower(trimmed)
		if c.findByName(tagName) != nil {
			continue
		}

		c.tags = append(c.tags, &model.Tag{
			TagName:   tagName,
			Fetched:   model.FetchStateNever,
			Following: false,
		})
		added++
	}

	return added
}

// Sort は指定属性でカタログを並び替える。
// 同じ属性が連続で要求されたら昇順・降順を反転し、別の属性に切り替わったら
// 昇順に戻す。文字列属性は大文字小文字を区別せずに比較する。
// 同値要素の相対順序は保証しない。
func (c *Cache) Sort(attribute string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sortBy == attribute {
		c.sortDesc = !c.sortDesc
	} else {
		c.sortBy = attribute
		c.sortDesc = false
	}

	desc := c.sortDesc
	sort.Slice(c.tags, func(i, j int) bool {
		less := tagLess(c.tags[i], c.tags[j], attribute)
		if desc {
			return tagLess(c.tags[j], c.tags[i], attribute)
		}
		return less
	})
}

// SortState は現在の並び替え状態を返す。
func (c *Cache) SortState() (attribute string, desc bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sortBy, c.sortDesc
}

// Filter は絞り込み条件に一致するタグの複製一覧を返す。
// followFilterは "all"/"true"/"false"、fetchFilterは "all"/"0"/"1" を受け付け、
// "0" は未取得（未試行または前回失敗）、"1" は取得済みを意味する。
// 両条件はANDで結合される。
func (c *Cache) Filter(followFilter, fetchFilter string) []*model.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()

	var filtered []*model.Tag
	for _, t := range c.tags {
		switch followFilter {
		case "true":
			if !t.Following {
				continue
			}
		case "false":
			if t.Following {
				continue
			}
		}

		switch fetchFilter {
		case "0":
			if t.Fetched == model.FetchStateFetched {
				continue
			}
		case "1":
			if t.Fetched != model.FetchStateFetched {
				continue
			}
		}

		filtered = append(filtered, t.Clone())
	}

	return filtered
}

// UpdatePostCounters は投稿同期後の非正規化カウンタをタグへ反映する。
func (c *Cache) UpdatePostCounters(tagName string, fetchedPostCount int, lastFetched int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.findByName(tagName)
	if t == nil {
		return model.NewTagNotFoundError(tagName)
	}

	t.FetchedPostCount = fetchedPostCount
	t.LastPostFetchedTime = lastFetched

	return nil
}

// SetLastFollowingFetch はフォロー状態の最終取得時刻を更新する。
func (c *Cache) SetLastFollowingFetch(t time.Time) {
	c.mu.Lock()
	c.lastFollowingFetch = t
	c.mu.Unlock()
}

// FollowingStale はフォロー状態スナップショットがwindowより古いかを返す。
// 一度も取得していない場合もtrueを返す。
func (c *Cache) FollowingStale(now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFollowingFetch.IsZero() {
		return true
	}
	return now.Sub(c.lastFollowingFetch) > window
}

// TrimRecentlyUnfollowed はアンフォロー履歴を新しい順にmax件へ切り詰め、
// 削除した件数を返す。保持期間ワーカーから呼び出される。
func (c *Cache) TrimRecentlyUnfollowed(max int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max <= 0 || len(c.recentlyUnfollowed) <= max {
		return 0
	}

	// 末尾側が新しいエントリなので先頭側から削る
	trimmed := len(c.recentlyUnfollowed) - max
	c.recentlyUnfollowed = append([]*model.Tag{}, c.recentlyUnfollowed[trimmed:]...)

	return trimmed
}

// findByName は大文字小文字を区別せずタグを検索する。呼び出し側でロックすること。
func (c *Cache) findByName(tagName string) *model.Tag {
	for _, t := range c.tags {
		if strings.EqualFold(t.TagName, tagName) {
			return t
		}
	}
	return nil
}

// findByID はリモートidでタグを検索する。呼び出し側でロックすること。
func (c *Cache) findByID(id int64) *model.Tag {
	for _, t := range c.tags {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// appendUnfollowed はアンフォロー履歴へ重複なしで追加する。
// idを持つタグはidで、持たないタグは名前で重複判定する。
// 呼び出し側でロックすること。
func (c *Cache) appendUnfollowed(t *model.Tag) {
	for _, u := range c.recentlyUnfollowed {
		if t.ID != 0 && u.ID == t.ID {
			return
		}
		if t.ID == 0 && strings.EqualFold(u.TagName, t.TagName) {
			return
		}
	}
	c.recentlyUnfollowed = append(c.recentlyUnfollowed, t.Clone())
}

// tagLess は属性ごとの昇順比較を行う。
func tagLess(a, b *model.Tag, attribute string) bool {
	switch attribute {
	case "id":
		return a.ID < b.ID
	case "following":
		return !a.Following && b.Following
	case "fetched":
		return strings.Compare(string(a.Fetched), string(b.Fetched)) < 0
	case "post_count":
		return a.PostCount < b.PostCount
	case "fetchedPostCount":
		return a.FetchedPostCount < b.FetchedPostCount
	case "lastPostFetchedTime":
		return a.LastPostFetchedTime < b.LastPostFetchedTime
	default: // tagName
		return strings.ToLower(a.TagName) < strings.ToLower(b.TagName)
	}
}

func cloneTags(tags []*model.Tag) []*model.Tag {
	cloned := make([]*model.Tag, len(tags))
	for i, t := range tags {
		cloned[i] = t.Clone()
	}
	return cloned
}
