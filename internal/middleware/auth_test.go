package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/newsmill/internal/model"
)

// --- モック定義 ---

// mockTokenVerifier はTokenVerifierのモック実装。
type mockTokenVerifier struct {
	verifyFn func(ctx context.Context, token string) (*model.User, error)
}

func (m *mockTokenVerifier) VerifyToken(ctx context.Context, token string) (*model.User, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, token)
	}
	return nil, fmt.Errorf("invalid token")
}

// TestAuthMiddleware_ValidBearerToken は有効なBearerトークンで
// ユーザーIDがコンテキストに注入されることを検証する。
func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	verifier := &mockTokenVerifier{
		verifyFn: func(ctx context.Context, token string) (*model.User, error) {
			if token == "valid-token" {
				return &model.User{ID: "user-1", Email: "user@example.com", IsActive: true}, nil
			}
			return nil, fmt.Errorf("invalid token")
		},
	}

	mw := NewAuthMiddleware(verifier)

	var capturedUserID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		capturedUserID = userID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-1" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-1")
	}
}

// TestAuthMiddleware_MissingHeader はAuthorizationヘッダーがない場合に401が返ることを検証する。
func TestAuthMiddleware_MissingHeader(t *testing.T) {
	mw := NewAuthMiddleware(&mockTokenVerifier{})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestAuthMiddleware_InvalidToken は検証に失敗したトークンで401が返ることを検証する。
func TestAuthMiddleware_InvalidToken(t *testing.T) {
	verifier := &mockTokenVerifier{
		verifyFn: func(ctx context.Context, token string) (*model.User, error) {
			return nil, fmt.Errorf("signature mismatch")
		},
	}
	mw := NewAuthMiddleware(verifier)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters", nil)
	req.Header.Set("Authorization", "Bearer forged-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestAuthMiddleware_NonBearerScheme はBasic認証など別のスキームで401が返ることを検証する。
func TestAuthMiddleware_NonBearerScheme(t *testing.T) {
	mw := NewAuthMiddleware(&mockTokenVerifier{
		verifyFn: func(ctx context.Context, token string) (*model.User, error) {
			return &model.User{ID: "user-1"}, nil
		},
	})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestBearerToken_ParsesHeader はAuthorizationヘッダーの解析を検証する。
func TestBearerToken_ParsesHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"通常のBearerトークン", "Bearer abc123", "abc123"},
		{"小文字のbearerも受理する", "bearer abc123", "abc123"},
		{"ヘッダーなし", "", ""},
		{"トークン部分が空", "Bearer ", ""},
		{"スキームのみ", "Bearer", ""},
		{"別のスキーム", "Basic abc123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(req); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestUserIDFromContext_MissingUserID はユーザーID未設定のコンテキストでエラーが返ることを検証する。
func TestUserIDFromContext_MissingUserID(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for context without user ID")
	}
}

// TestContextWithUserID_RoundTrip は注入したユーザーIDが取得できることを検証する。
func TestContextWithUserID_RoundTrip(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-42")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want %q", userID, "user-42")
	}
}
