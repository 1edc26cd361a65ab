// Package auth はパスワード認証とJWTアクセストークンの発行・検証を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	JWTSecret        string
	TokenTTL         time.Duration // アクセストークンの有効期間
	RegistrationOpen bool          // 新規登録を受け付けるか
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	config   ServiceConfig
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, config ServiceConfig) *Service {
	if config.TokenTTL == 0 {
		config.TokenTTL = 24 * time.Hour
	}
	return &Service{userRepo: userRepo, config: config}
}

// Register は新規ユーザーを登録し、アクセストークンを発行する。
// 登録が無効化されている場合はRegistrationClosedエラーを返す。
func (s *Service) Register(ctx context.Context, email, password, fullName string) (*model.User, string, error) {
	if !s.config.RegistrationOpen {
		return nil, "", model.NewRegistrationClosedError()
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", model.NewInvalidEmailError(email)
	}
	if len(password) < 8 {
		return nil, "", fmt.Errorf("パスワードは8文字以上である必要があります")
	}

	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, "", model.NewDuplicateEmailError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, "", fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	tok, err := issueJWT([]byte(s.config.JWTSecret), user.ID, s.config.TokenTTL, now)
	if err != nil {
		return nil, "", err
	}

	slog.Info("new user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return user, tok, nil
}

// Login はメールアドレスとパスワードを検証し、アクセストークンを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返し、
// メールアドレスの存在を推測できないようにする。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil || !user.IsActive {
		// タイミング差を抑えるためダミーハッシュと比較する
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return nil, "", model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", model.NewInvalidCredentialsError()
	}

	tok, err := issueJWT([]byte(s.config.JWTSecret), user.ID, s.config.TokenTTL, time.Now())
	if err != nil {
		return nil, "", err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return user, tok, nil
}

// VerifyToken はアクセストークンを検証し、対応するユーザーを返す。
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*model.User, error) {
	if tokenString == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	claims, err := parseJWT([]byte(s.config.JWTSecret), tokenString)
	if err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.NewInvalidCredentialsError()
	}
	return user, nil
}
