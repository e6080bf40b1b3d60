// Package token はリモートAPIセッショントークンのライフサイクル管理を提供する。
// 認証交換、有効期限評価、失効時の無効化を含む。自動リフレッシュは行わない。
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tagsync/internal/model"
	"github.com/hitoshi/tagsync/internal/repository"
	"github.com/hitoshi/tagsync/internal/sankaku"
)

// RemoteAuthenticator はリモート認証エンドポイントの呼び出しインターフェース。
// テスト時にモックに差し替え可能。
type RemoteAuthenticator interface {
	Authenticate(ctx context.Context, login, password string) (*sankaku.AuthResult, error)
}

// Store は現在のセッショントークンとその有効期限を管理する。
// トークンは認証成功時にのみ生成され、失効時はHasToken=falseに
// 無効化されるだけで削除されない。
type Store struct {
	mu     sync.Mutex
	repo   repository.TokenRepository
	client RemoteAuthenticator
	logger *slog.Logger

	current *model.Token

	// now はテストで時刻を固定するためのフック。
	now func() time.Time
}

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore(repo repository.TokenRepository, client RemoteAuthenticator, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// LoadFromStore は永続化済みトークンを読み込む。
// 起動時に1回呼び出す。未保存の場合は何もしない。
func (s *Store) LoadFromStore(ctx context.Context) error {
	token, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("トークンの読み込みに失敗しました: %w", err)
	}

	s.mu.Lock()
	s.current = token
	s.mu.Unlock()

	if token != nil {
		s.logger.Info("保存済みトークンを読み込みました",
			slog.Bool("has_token", token.HasToken),
			slog.Time("expiry_date", token.ExpiryDate),
		)
	}

	return nil
}

// Authenticate はログイン交換を実行し、成功時にトークンを永続化して返す。
// 有効期限はTTLから now + access_token_ttl / now + refresh_token_ttl で計算する。
// 認証情報の拒否とネットワーク障害は区別してAPIErrorで返す。
func (s *Store) Authenticate(ctx context.Context, login, password string) (*model.Token, error) {
	result, err := s.client.Authenticate(ctx, login, password)
	if err != nil {
		if errors.Is(err, sankaku.ErrInvalidCredentials) {
			s.logger.Warn("認証情報が拒否されました")
			return nil, model.NewInvalidCredentialsError()
		}
		s.logger.Error("認証交換に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewAuthTransportError(err.Error())
	}

	now := s.now()
	token := &model.Token{
		TokenType:         result.TokenType,
		AccessToken:       result.AccessToken,
		RefreshToken:      result.RefreshToken,
		AccessTokenTTL:    result.AccessTokenTTL,
		RefreshTokenTTL:   result.RefreshTokenTTL,
		ExpiryDate:        now.Add(time.Duration(result.AccessTokenTTL) * time.Second),
		RefreshExpiryDate: now.Add(time.Duration(result.RefreshTokenTTL) * time.Second),
		HasToken:          true,
	}

	// 認証成功時は即座に永続化する
	if err := s.repo.Save(ctx, token); err != nil {
		return nil, fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}

	s.mu.Lock()
	s.current = token
	s.mu.Unlock()

	s.logger.Info("認証に成功しました",
		slog.Time("expiry_date", token.ExpiryDate),
		slog.Time("refresh_expiry_date", token.RefreshExpiryDate),
	)

	return token.Clone(), nil
}

// CheckExpiry は現在時刻に対してトークンの有効期限を評価し、警告を返す。
// アクセストークンは残り3600秒以下、リフレッシュトークンは残り86400秒以下で
// 警告を発行する。実際に失効している場合はHasTokenをfalseに倒して永続化する。
// それ以外の副作用はなく、繰り返し呼び出しても結果は変わらない。
func (s *Store) CheckExpiry(ctx context.Context) ([]model.ExpiryNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, nil
	}

	now := s.now()
	var notices []model.ExpiryNotice
	flipped := false

	if !s.current.ExpiryDate.IsZero() {
		remaining := int(s.current.ExpiryDate.Sub(now).Seconds())
		if remaining <= 0 {
			notices = append(notices, model.ExpiryNotice{
				Kind:             model.TokenKindAccess,
				Expired:          true,
				RemainingSeconds: 0,
				Message:          "アクセストークンの有効期限が切れました。再度ログインしてください。",
			})
			if s.current.HasToken {
				s.current.HasToken = false
				flipped = true
			}
		} else if remaining <= int(model.AccessTokenWarnThreshold.Seconds()) {
			notices = append(notices, model.ExpiryNotice{
				Kind:             model.TokenKindAccess,
				RemainingSeconds: remaining,
				Message:          fmt.Sprintf("アクセストークンはあと約 %d 分で失効します。", remaining/60),
			})
		}
	}

	if !s.current.RefreshExpiryDate.IsZero() {
		remaining := int(s.current.RefreshExpiryDate.Sub(now).Seconds())
		if remaining <= 0 {
			notices = append(notices, model.ExpiryNotice{
				Kind:             model.TokenKindRefresh,
				Expired:          true,
				RemainingSeconds: 0,
				Message:          "リフレッシュトークンの有効期限が切れました。再度ログインしてください。",
			})
			if s.current.HasToken {
				s.current.HasToken = false
				flipped = true
			}
		} else if remaining <= int(model.RefreshTokenWarnThreshold.Seconds()) {
			notices = append(notices, model.ExpiryNotice{
				Kind:             model.TokenKindRefresh,
				RemainingSeconds: remaining,
				Message:          fmt.Sprintf("リフレッシュトークンはあと約 %d 時間で失効します。", remaining/3600),
			})
		}
	}

	// HasTokenを倒した場合のみ永続化する。一度falseになれば以後の呼び出しで
	// 状態が変わることはない。
	if flipped {
		if err := s.repo.Save(ctx, s.current); err != nil {
			return notices, fmt.Errorf("失効状態の保存に失敗しました: %w", err)
		}
		s.logger.Warn("トークンが失効したため無効化しました")
	}

	return notices, nil
}

// Current は現在のトークンの複製を返す。未保持の場合はnil。
func (s *Store) Current() *model.Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// HasValidToken は有効なアクセストークンを保持しているかを返す。
func (s *Store) HasValidToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil && s.current.HasToken && !s.current.AccessExpired(s.now())
}

// AccessToken はbearer認証用のアクセストークンを返す。
// sankaku.TokenProviderを実装する。有効なトークンがない場合はエラーを返す。
func (s *Store) AccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.current.HasToken || s.current.AccessExpired(s.now()) {
		return "", model.NewTokenExpiredError()
	}

	return s.current.AccessToken, nil
}
