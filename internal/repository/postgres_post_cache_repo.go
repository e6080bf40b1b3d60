package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/tagsync/internal/model"
)

// PostgresPostCacheRepo はstorageテーブルを使用した投稿キャッシュリポジトリ。
// エントリごとに post_cache/<tagName> キーで保存するため、
// 1タグの更新で他タグのブロブを書き直すことはない。
type PostgresPostCacheRepo struct {
	db *sql.DB
}

// NewPostgresPostCacheRepo はPostgresPostCacheRepoを生成する。
func NewPostgresPostCacheRepo(db *sql.DB) *PostgresPostCacheRepo {
	return &PostgresPostCacheRepo{db: db}
}

// Load は指定タグのキャッシュエントリを取得する。未保存の場合はnilを返す。
func (r *PostgresPostCacheRepo) Load(ctx context.Context, tagName string) (*model.PostCacheEntry, error) {
	value, err := kvGet(ctx, r.db, postCacheKey(tagName))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	entry := &model.PostCacheEntry{}
	if err := json.Unmarshal(value, entry); err != nil {
		return nil, fmt.Errorf("投稿キャッシュのデコードに失敗しました: %w", err)
	}

	return entry, nil
}

// Save はキャッシュエントリ全体を上書き保存する。
func (r *PostgresPostCacheRepo) Save(ctx context.Context, entry *model.PostCacheEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("投稿キャッシュのエンコードに失敗しました: %w", err)
	}

	return kvSet(ctx, r.db, postCacheKey(entry.TagName), value)
}

// ListTagNames はキャッシュエントリを持つタグ名の一覧を返す。
func (r *PostgresPostCacheRepo) ListTagNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key FROM storage WHERE key LIKE $1 ORDER BY key`,
		postCacheKeyPrefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("投稿キャッシュ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("投稿キャッシュキーの読み取りに失敗しました: %w", err)
		}
		names = append(names, strings.TrimPrefix(key, postCacheKeyPrefix))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿キャッシュ一覧の走査に失敗しました: %w", err)
	}

	return names, nil
}

// Delete は指定タグのキャッシュエントリを削除する。
func (r *PostgresPostCacheRepo) Delete(ctx context.Context, tagName string) error {
	return kvDelete(ctx, r.db, postCacheKey(tagName))
}

// postCacheKey はタグ名から保存キーを生成する。タグ名は小文字に正規化する。
func postCacheKey(tagName string) string {
	return postCacheKeyPrefix + strings.ToLower(tagName)
}
