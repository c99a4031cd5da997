package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/storefront/pkg/api"
	"github.com/openfroyo/storefront/pkg/storefront"
)

func signedToken(t *testing.T, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func loginServer(t *testing.T, token string) *api.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Login body is not JSON: %v", err)
		}
		if body["assertion"] != "good" {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad assertion"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":    token,
			"settings": map[string]string{"display_name": "tester"},
		})
	}))
	t.Cleanup(srv.Close)

	client, err := api.New(api.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func newTestSession(t *testing.T, client storefront.API, prompt Prompt, path string) *Session {
	t.Helper()
	s, err := NewSession(client, prompt, path, nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return s
}

func TestLoggedIn(t *testing.T) {
	s := newTestSession(t, nil, nil, "")
	if s.LoggedIn() {
		t.Error("A new session must be signed out")
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"malformed token", "not-a-jwt", false},
		{"valid token", signedToken(t, time.Now().Add(time.Hour)), true},
		{"expired token", signedToken(t, time.Now().Add(-time.Hour)), false},
	}
	for _, tt := range tests {
		if err := s.SetToken(tt.token); err != nil {
			t.Fatalf("%s: failed to set token: %v", tt.name, err)
		}
		if got := s.LoggedIn(); got != tt.want {
			t.Errorf("%s: LoggedIn() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLoginPersistsToken(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	path := filepath.Join(t.TempDir(), "session", "token")

	s := newTestSession(t, loginServer(t, token), StaticPrompt("good"), path)
	if s.LoggedIn() {
		t.Fatal("Expected no session before login")
	}

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !s.LoggedIn() {
		t.Error("Expected a session after login")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Token not persisted: %v", err)
	}
	if string(data) != token {
		t.Errorf("Persisted token differs from the issued one")
	}

	reloaded := newTestSession(t, nil, nil, path)
	if !reloaded.LoggedIn() {
		t.Error("Expected the persisted session to be restored")
	}

	if err := reloaded.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if reloaded.LoggedIn() {
		t.Error("Expected no session after logout")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected token file to be removed, stat: %v", err)
	}
}

func TestLoginAborted(t *testing.T) {
	s := newTestSession(t, loginServer(t, "unused"), StaticPrompt(""), "")
	if err := s.Login(context.Background()); !errors.Is(err, ErrLoginAborted) {
		t.Errorf("Expected ErrLoginAborted, got %v", err)
	}
	if s.LoggedIn() {
		t.Error("An aborted login must not sign in")
	}

	noPrompt := newTestSession(t, nil, nil, "")
	if err := noPrompt.Login(context.Background()); !errors.Is(err, ErrLoginAborted) {
		t.Errorf("Expected ErrLoginAborted without a prompt, got %v", err)
	}
}

func TestLoginRejected(t *testing.T) {
	s := newTestSession(t, loginServer(t, "unused"), StaticPrompt("bad"), "")

	err := s.Login(context.Background())
	if err == nil {
		t.Fatal("Expected the server rejection")
	}
	if !strings.Contains(err.Error(), "bad assertion") {
		t.Errorf("Expected the server message, got %v", err)
	}
	if s.Token() != "" {
		t.Error("A rejected login must not store a token")
	}
}
