package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/newsmill/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	registerFn func(ctx context.Context, email, password, fullName string) (*model.User, string, error)
	loginFn    func(ctx context.Context, email, password string) (*model.User, string, error)
}

var _ AuthServiceInterface = (*mockAuthService)(nil)

func (m *mockAuthService) Register(ctx context.Context, email, password, fullName string) (*model.User, string, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password, fullName)
	}
	return nil, "", nil
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, "", nil
}

// --- POST /api/v1/auth/register テスト ---

func TestAuthHandler_Register_Success(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, email, password, fullName string) (*model.User, string, error) {
			if email != "new@example.com" {
				t.Errorf("email = %q, want %q", email, "new@example.com")
			}
			return &model.User{ID: "user-1", Email: email, FullName: fullName}, "token-abc", nil
		},
	}
	h := NewAuthHandler(svc)

	body := `{"email": "new@example.com", "password": "secret123", "full_name": "Taro Yamada"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp tokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AccessToken != "token-abc" {
		t.Errorf("access_token = %q, want %q", resp.AccessToken, "token-abc")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.User == nil || resp.User.ID != "user-1" {
		t.Errorf("user = %+v, want ID user-1", resp.User)
	}
}

func TestAuthHandler_Register_RegistrationClosed(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, email, password, fullName string) (*model.User, string, error) {
			return nil, "", model.NewRegistrationClosedError()
		},
	}
	h := NewAuthHandler(svc)

	body := `{"email": "new@example.com", "password": "secret123"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "REGISTRATION_CLOSED" {
		t.Errorf("code = %q, want %q", result["code"], "REGISTRATION_CLOSED")
	}
}

func TestAuthHandler_Register_InvalidBody(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString("{invalid"))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /api/v1/auth/token テスト ---

func postTokenForm(t *testing.T, h *AuthHandler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.Token(w, req)
	return w
}

func TestAuthHandler_Token_Success(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*model.User, string, error) {
			if email != "user@example.com" || password != "secret123" {
				t.Errorf("credentials = %q/%q, want user@example.com/secret123", email, password)
			}
			return &model.User{ID: "user-1", Email: email}, "token-xyz", nil
		},
	}
	h := NewAuthHandler(svc)

	w := postTokenForm(t, h, url.Values{
		"grant_type": {"password"},
		"username":   {"user@example.com"},
		"password":   {"secret123"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp tokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AccessToken != "token-xyz" {
		t.Errorf("access_token = %q, want %q", resp.AccessToken, "token-xyz")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
}

func TestAuthHandler_Token_UnsupportedGrantType(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	w := postTokenForm(t, h, url.Values{
		"grant_type": {"client_credentials"},
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "UNSUPPORTED_GRANT_TYPE" {
		t.Errorf("code = %q, want %q", result["code"], "UNSUPPORTED_GRANT_TYPE")
	}
}

func TestAuthHandler_Token_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*model.User, string, error) {
			return nil, "", model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc)

	w := postTokenForm(t, h, url.Values{
		"grant_type": {"password"},
		"username":   {"user@example.com"},
		"password":   {"wrong"},
	})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INVALID_CREDENTIALS" {
		t.Errorf("code = %q, want %q", result["code"], "INVALID_CREDENTIALS")
	}
}
