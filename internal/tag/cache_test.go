package tag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/sankaku"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockTagRepo はテスト用のTagRepositoryモック。
type mockTagRepo struct {
	catalog        []*model.Tag
	unfollowed     []*model.Tag
	lastFetch      time.Time
	saveCatalogN   int
	saveUnfollowN  int
	saveLastFetchN int
}

func (m *mockTagRepo) LoadCatalog(_ context.Context) ([]*model.Tag, error) {
	return m.catalog, nil
}

func (m *mockTagRepo) SaveCatalog(_ context.Context, tags []*model.Tag) error {
	m.saveCatalogN++
	m.catalog = tags
	return nil
}

func (m *mockTagRepo) LoadRecentlyUnfollowed(_ context.Context) ([]*model.Tag, error) {
	return m.unfollowed, nil
}

func (m *mockTagRepo) SaveRecentlyUnfollowed(_ context.Context, tags []*model.Tag) error {
	m.saveUnfollowN++
	m.unfollowed = tags
	return nil
}

func (m *mockTagRepo) LoadLastFollowingFetchTime(_ context.Context) (time.Time, error) {
	return m.lastFetch, nil
}

func (m *mockTagRepo) SaveLastFollowingFetchTime(_ context.Context, t time.Time) error {
	m.saveLastFetchN++
	m.lastFetch = t
	return nil
}

func newTestCache(tags ...*model.Tag) (*Cache, *mockTagRepo) {
	repo := &mockTagRepo{}
	c := NewCache(repo, newTestLogger())
	c.tags = tags
	return c, repo
}

func TestAdd_RejectsCaseInsensitiveDuplicate(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "Landscape", Fetched: model.FetchStateNever})

	_, err := c.Add("landscape")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTagAlreadyExists {
		t.Errorf("大文字小文字違いの重複はTAG_ALREADY_EXISTSを返すべき: %v", err)
	}
}

func TestAdd_PrependsUnfetched(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "existing"})

	added, err := c.Add("new_tag")
	if err != nil {
		t.Fatalf("Add がエラーを返した: %v", err)
	}

	if added.Fetched != model.FetchStateNever {
		t.Errorf("Fetched = %s, want never", added.Fetched)
	}
	if c.tags[0].TagName != "new_tag" {
		t.Error("新規タグはカタログ先頭に挿入されるべき")
	}
}

func TestMergeFollowingSnapshot_UpsertByID(t *testing.T) {
	c, _ := newTestCache(
		&model.Tag{TagName: "known", ID: 100, Fetched: model.FetchStateFetched, Following: false},
	)

	remote := []sankaku.FollowingTag{
		{ID: 100, TagName: "known"},
		{ID: 200, TagName: "brand_new"},
	}

	inserted := c.MergeFollowingSnapshot(remote)

	if len(inserted) != 1 || inserted[0] != "brand_new" {
		t.Fatalf("inserted = %v, want [brand_new]", inserted)
	}

	known := c.Find("known")
	if !known.Following {
		t.Error("既存タグはfollowing = trueに更新されるべき")
	}
	if known.Fetched != model.FetchStateFetched {
		t.Error("既存タグの取得状態は変更されてはならない")
	}

	added := c.Find("brand_new")
	if added == nil {
		t.Fatal("未知のidはカタログへ挿入されるべき")
	}
	if !added.Following || added.Fetched != model.FetchStateNever {
		t.Errorf("挿入されたタグの状態が不正: %+v", added)
	}
	if c.tags[0].TagName != "brand_new" {
		t.Error("挿入はカタログ先頭に行われるべき")
	}
}

func TestMergeFollowingSnapshot_Idempotent(t *testing.T) {
	c, _ := newTestCache()

	remote := []sankaku.FollowingTag{{ID: 1, TagName: "a"}, {ID: 2, TagName: "b"}}

	first := c.MergeFollowingSnapshot(remote)
	second := c.MergeFollowingSnapshot(remote)

	if len(first) != 2 {
		t.Errorf("初回のinserted = %v, want 2件", first)
	}
	if len(second) != 0 {
		t.Errorf("同じ一覧の再マージで挿入が発生した: %v", second)
	}
	if len(c.tags) != 2 {
		t.Errorf("len(tags) = %d, want 2", len(c.tags))
	}
}

func TestApplyWikiResult_SuccessMergesShallow(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "cat", Fetched: model.FetchStateNever})

	result := &sankaku.WikiResult{
		Tag:  &sankaku.TagMeta{ID: 42, PostCount: 1234},
		Wiki: &model.Wiki{ID: 7, Title: "cat", Body: "<p>a feline</p>"},
	}

	if err := c.ApplyWikiResult("cat", result, nil); err != nil {
		t.Fatalf("ApplyWikiResult がエラーを返した: %v", err)
	}

	got := c.Find("cat")
	if got.Fetched != model.FetchStateFetched {
		t.Errorf("Fetched = %s, want fetched", got.Fetched)
	}
	if got.ID != 42 || got.PostCount != 1234 {
		t.Errorf("メタデータがマージされていない: %+v", got)
	}
	if got.Wiki == nil || got.Wiki.Title != "cat" {
		t.Errorf("wikiがマージされていない: %+v", got.Wiki)
	}
}

func TestApplyWikiResult_FailureMarksFailed(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "cat", ID: 42, Fetched: model.FetchStateFetched, PostCount: 10})

	if err := c.ApplyWikiResult("cat", nil, errors.New("remote down")); err != nil {
		t.Fatalf("ApplyWikiResult がエラーを返した: %v", err)
	}

	got := c.Find("cat")
	if got.Fetched != model.FetchStateFailed {
		t.Errorf("Fetched = %s, want failed", got.Fetched)
	}
	// 失敗時は既存のメタデータを壊さないこと
	if got.ID != 42 || got.PostCount != 10 {
		t.Errorf("失敗時に既存フィールドが変更された: %+v", got)
	}
}

func TestApplyWikiResult_UnknownTag(t *testing.T) {
	c, _ := newTestCache()

	err := c.ApplyWikiResult("ghost", nil, nil)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTagNotFound {
		t.Errorf("未知のタグはTAG_NOT_FOUNDを返すべき: %v", err)
	}
}

func TestApplyFollowResult_UnfollowAppendsHistory(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "cat", ID: 42, Following: true})

	if err := c.ApplyFollowResult("cat", false, nil); err != nil {
		t.Fatalf("ApplyFollowResult がエラーを返した: %v", err)
	}

	if c.Find("cat").Following {
		t.Error("アンフォロー成功後はfollowing = falseのはず")
	}
	unfollowed := c.RecentlyUnfollowed()
	if len(unfollowed) != 1 || unfollowed[0].ID != 42 {
		t.Errorf("アンフォロー履歴に追加されていない: %+v", unfollowed)
	}

	// 同じタグの再アンフォローで履歴が重複しないこと
	c.Find("cat")
	c.ApplyFollowResult("cat", false, nil)
	if len(c.RecentlyUnfollowed()) != 1 {
		t.Error("アンフォロー履歴が重複している")
	}
}

func TestApplyFollowResult_FailureLeavesStateUnchanged(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "cat", ID: 42, Following: true})

	if err := c.ApplyFollowResult("cat", false, errors.New("remote error")); err != nil {
		t.Fatalf("ApplyFollowResult がエラーを返した: %v", err)
	}

	if !c.Find("cat").Following {
		t.Error("操作失敗時はfollowingを変更してはならない")
	}
	if len(c.RecentlyUnfollowed()) != 0 {
		t.Error("操作失敗時は履歴へ追加してはならない")
	}
}

func TestRemove_MovesToUnfollowedHistory(t *testing.T) {
	c, _ := newTestCache(
		&model.Tag{TagName: "keep"},
		&model.Tag{TagName: "Drop", ID: 9},
	)

	if err := c.Remove("drop"); err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}

	if c.Find("drop") != nil {
		t.Error("削除したタグがカタログに残っている")
	}
	unfollowed := c.RecentlyUnfollowed()
	if len(unfollowed) != 1 || unfollowed[0].TagName != "Drop" {
		t.Errorf("削除したタグはアンフォロー履歴へ移るべき: %+v", unfollowed)
	}
}

func TestRemove_UnknownTag(t *testing.T) {
	c, _ := newTestCache()

	err := c.Remove("ghost")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTagNotFound {
		t.Errorf("未知のタグはTAG_NOT_FOUNDを返すべき: %v", err)
	}
}

func TestImportNames_SkipsCommentsAndDuplicates(t *testing.T) {
	c, _ := newTestCache(&model.Tag{TagName: "existing"})

	text := "# コメント行\n\nExisting\nnew_one\n// コメント行2\nNEW_ONE\nnew_two\n"

	added := c.ImportNames(text)

	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if c.Find("new_one") == nil || c.Find("new_two") == nil {
		t.Error("取り込まれたタグが見つからない")
	}
	// 小文字正規化されて保存されること
	if got := c.Find("new_one"); got.TagName != "new_one" {
		t.Errorf("TagName = %s, want new_one", got.TagName)
	}
	if len(c.List()) != 3 {
		t.Errorf("len(tags) = %d, want 3", len(c.List()))
	}
}

func TestSort_ToggleAndReset(t *testing.T) {
	c, _ := newTestCache(
		&model.Tag{TagName: "banana", PostCount: 2},
		&model.Tag{TagName: "Apple", PostCount: 3},
		&model.Tag{TagName: "cherry", PostCount: 1},
	)

	// 1回目: 昇順（大文字小文字を区別しない）
	c.Sort("tagName")
	if c.tags[0].TagName != "Apple" || c.tags[2].TagName != "cherry" {
		t.Errorf("昇順ソートの結果が不正: %v", tagNames(c.tags))
	}

	// 同じ属性の2回目: 降順に反転
	c.Sort("tagName")
	if c.tags[0].TagName != "cherry" || c.tags[2].TagName != "Apple" {
		t.Errorf("降順ソートの結果が不正: %v", tagNames(c.tags))
	}

	// 別属性に切り替え: 昇順に戻る
	c.Sort("post_count")
	if c.tags[0].PostCount != 1 || c.tags[2].PostCount != 3 {
		t.Errorf("属性切り替え後は昇順に戻るべき: %v", tagNames(c.tags))
	}

	attr, desc := c.SortState()
	if attr != "post_count" || desc {
		t.Errorf("SortState = (%s, %v), want (post_count, false)", attr, desc)
	}
}

func TestFilter_Combinations(t *testing.T) {
	c, _ := newTestCache(
		&model.Tag{TagName: "a", Following: true, Fetched: model.FetchStateFetched},
		&model.Tag{TagName: "b", Following: true, Fetched: model.FetchStateNever},
		&model.Tag{TagName: "c", Following: false, Fetched: model.FetchStateFailed},
		&model.Tag{TagName: "d", Following: false, Fetched: model.FetchStateFetched},
	)

	cases := []struct {
		follow string
		fetch  string
		want   []string
	}{
		{"all", "all", []string{"a", "b", "c", "d"}},
		{"true", "all", []string{"a", "b"}},
		{"false", "all", []string{"c", "d"}},
		// "0" は未試行と前回失敗の両方を含む
		{"all", "0", []string{"b", "c"}},
		{"all", "1", []string{"a", "d"}},
		{"true", "1", []string{"a"}},
		{"false", "0", []string{"c"}},
	}

	for _, tc := range cases {
		got := tagNames(c.Filter(tc.follow, tc.fetch))
		if len(got) != len(tc.want) {
			t.Errorf("Filter(%s, %s) = %v, want %v", tc.follow, tc.fetch, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Filter(%s, %s) = %v, want %v", tc.follow, tc.fetch, got, tc.want)
				break
			}
		}
	}
}

func TestFollowingStale(t *testing.T) {
	c, _ := newTestCache()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// 未取得の場合は常にstale
	if !c.FollowingStale(now, 5*time.Minute) {
		t.Error("一度も取得していない場合はstaleのはず")
	}

	c.SetLastFollowingFetch(now.Add(-4 * time.Minute))
	if c.FollowingStale(now, 5*time.Minute) {
		t.Error("ウィンドウ内ではstaleではないはず")
	}

	c.SetLastFollowingFetch(now.Add(-6 * time.Minute))
	if !c.FollowingStale(now, 5*time.Minute) {
		t.Error("ウィンドウ超過ではstaleのはず")
	}
}

func TestTrimRecentlyUnfollowed(t *testing.T) {
	c, _ := newTestCache()
	for i := 0; i < 5; i++ {
		c.recentlyUnfollowed = append(c.recentlyUnfollowed, &model.Tag{TagName: string(rune('a' + i))})
	}

	trimmed := c.TrimRecentlyUnfollowed(3)
	if trimmed != 2 {
		t.Errorf("trimmed = %d, want 2", trimmed)
	}
	// 先頭側（古い方）から削られること
	got := c.RecentlyUnfollowed()
	if len(got) != 3 || got[0].TagName != "c" {
		t.Errorf("切り詰め結果が不正: %v", tagNames(got))
	}

	if c.TrimRecentlyUnfollowed(3) != 0 {
		t.Error("上限以下では切り詰めが発生してはならない")
	}
}

func TestFlush_PersistsAllState(t *testing.T) {
	c, repo := newTestCache(&model.Tag{TagName: "a"})
	c.recentlyUnfollowed = []*model.Tag{{TagName: "b"}}
	c.lastFollowingFetch = time.Now()

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush がエラーを返した: %v", err)
	}

	if repo.saveCatalogN != 1 || repo.saveUnfollowN != 1 || repo.saveLastFetchN != 1 {
		t.Errorf("永続化回数が不正: catalog=%d unfollowed=%d lastFetch=%d",
			repo.saveCatalogN, repo.saveUnfollowN, repo.saveLastFetchN)
	}
	if len(repo.catalog) != 1 || repo.catalog[0].TagName != "a" {
		t.Errorf("カタログが永続化されていない: %+v", repo.catalog)
	}
}

func tagNames(tags []*model.Tag) []string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.TagName
	}
	return names
}
