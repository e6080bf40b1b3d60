package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/tagsync/internal/model"
)

// tokenKey はトークンブロブの保存キー。
const tokenKey = "token"

// PostgresTokenRepo はstorageテーブルを使用したトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Load は保存済みトークンを取得する。未保存の場合はnilを返す。
func (r *PostgresTokenRepo) Load(ctx context.Context) (*model.Token, error) {
	value, err := kvGet(ctx, r.db, tokenKey)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	token := &model.Token{}
	if err := json.Unmarshal(value, token); err != nil {
		return nil, fmt.Errorf("トークンのデコードに失敗しました: %w", err)
	}

	return token, nil
}

// Save はトークン全体を上書き保存する。
func (r *PostgresTokenRepo) Save(ctx context.Context, token *model.Token) error {
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("トークンのエンコードに失敗しました: %w", err)
	}

	return kvSet(ctx, r.db, tokenKey, value)
}
