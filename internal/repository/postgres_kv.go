package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// postCacheKeyPrefix は投稿キャッシュエントリのキー接頭辞。
const postCacheKeyPrefix = "post_cache/"

// kvGet はstorageテーブルから指定キーのJSONブロブを取得する。
// キーが存在しない場合はnilを返す。
func kvGet(ctx context.Context, db *sql.DB, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx,
		`SELECT value FROM storage WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キー %s の読み込みに失敗しました: %w", key, err)
	}

	return value, nil
}

// kvSet はstorageテーブルの指定キーをJSONブロブ全体で上書きする。
func kvSet(ctx context.Context, db *sql.DB, key string, value []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO storage (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("キー %s の書き込みに失敗しました: %w", key, err)
	}

	return nil
}

// kvDelete はstorageテーブルから指定キーを削除する。
// キーが存在しない場合もエラーにしない。
func kvDelete(ctx context.Context, db *sql.DB, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM storage WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("キー %s の削除に失敗しました: %w", key, err)
	}
	return nil
}
