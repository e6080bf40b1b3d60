package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
)

// タグカタログ関連の保存キー。
const (
	tagsKey               = "tags"
	recentlyUnfollowedKey = "recently_unfollowed"
	lastFollowingFetchKey = "last_following_fetch_time"
)

// PostgresTagRepo はstorageテーブルを使用したタグカタログリポジトリ。
type PostgresTagRepo struct {
	db *sql.DB
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db *sql.DB) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// LoadCatalog はタグカタログ全体を取得する。未保存の場合は空スライスを返す。
func (r *PostgresTagRepo) LoadCatalog(ctx context.Context) ([]*model.Tag, error) {
	return r.loadTagList(ctx, tagsKey)
}

// SaveCatalog はタグカタログ全体を上書き保存する。
func (r *PostgresTagRepo) SaveCatalog(ctx context.Context, tags []*model.Tag) error {
	return r.saveTagList(ctx, tagsKey, tags)
}

// LoadRecentlyUnfollowed は最近アンフォローしたタグの一覧を取得する。
func (r *PostgresTagRepo) LoadRecentlyUnfollowed(ctx context.Context) ([]*model.Tag, error) {
	return r.loadTagList(ctx, recentlyUnfollowedKey)
}

// SaveRecentlyUnfollowed は最近アンフォローしたタグの一覧を上書き保存する。
func (r *PostgresTagRepo) SaveRecentlyUnfollowed(ctx context.Context, tags []*model.Tag) error {
	return r.saveTagList(ctx, recentlyUnfollowedKey, tags)
}

// LoadLastFollowingFetchTime はフォロー状態の最終取得時刻を返す。
// 未保存の場合はゼロ値を返す。
func (r *PostgresTagRepo) LoadLastFollowingFetchTime(ctx context.Context) (time.Time, error) {
	value, err := kvGet(ctx, r.db, lastFollowingFetchKey)
	if err != nil {
		return time.Time{}, err
	}
	if value == nil {
		return time.Time{}, nil
	}

	var t time.Time
	if err := json.Unmarshal(value, &t); err != nil {
		return time.Time{}, fmt.Errorf("最終取得時刻のデコードに失敗しました: %w", err)
	}

	return t, nil
}

// SaveLastFollowingFetchTime はフォロー状態の最終取得時刻を保存する。
func (r *PostgresTagRepo) SaveLastFollowingFetchTime(ctx context.Context, t time.Time) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("最終取得時刻のエンコードに失敗しました: %w", err)
	}

	return kvSet(ctx, r.db, lastFollowingFetchKey, value)
}

func (r *PostgresTagRepo) loadTagList(ctx context.Context, key string) ([]*model.Tag, error) {
	value, err := kvGet(ctx, r.db, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return []*model.Tag{}, nil
	}

	var tags []*model.Tag
	if err := json.Unmarshal(value, &tags); err != nil {
		return nil, fmt.Errorf("タグ一覧のデコードに失敗しました: %w", err)
	}

	return tags, nil
}

func (r *PostgresTagRepo) saveTagList(ctx context.Context, key string, tags []*model.Tag) error {
	if tags == nil {
		tags = []*model.Tag{}
	}

	value, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("タグ一覧のエンコードに失敗しました: %w", err)
	}

	return kvSet(ctx, r.db, key, value)
}
