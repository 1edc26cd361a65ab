package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/newsmill/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// Register は新規ユーザーを登録し、アクセストークンを発行する。
	Register(ctx context.Context, email, password, fullName string) (*model.User, string, error)
	// Login はメールアドレスとパスワードを検証し、アクセストークンを発行する。
	Login(ctx context.Context, email, password string) (*model.User, string, error)
}

// AuthHandler は認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// registerRequest はユーザー登録リクエストのボディ。
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// tokenResponse はアクセストークンのAPIレスポンス。OAuth2の形式に従う。
type tokenResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	User        *userResponse `json:"user,omitempty"`
}

// Register はユーザー登録を処理する。
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	user, accessToken, err := h.service.Register(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		User:        toUserResponse(user),
	})
}

// Token はOAuth2パスワードグラントでアクセストークンを発行する。
// POST /api/v1/auth/token (application/x-www-form-urlencoded)
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != "password" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "UNSUPPORTED_GRANT_TYPE",
			Message:  "サポートされていないグラントタイプです。",
			Category: "auth",
			Action:   "grant_type=password を指定してください。",
		})
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, accessToken, err := h.service.Login(r.Context(), username, password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		User:        toUserResponse(user),
	})
}

func toUserResponse(user *model.User) *userResponse {
	if user == nil {
		return nil
	}
	return &userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
	}
}
