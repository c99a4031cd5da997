// Package auth holds the signed-in user's session.
//
// The session token is a JWT issued by the storefront. Its claims are read
// without verification to learn the expiry; the server remains the verifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// ErrLoginAborted is returned when the user dismisses the login prompt.
var ErrLoginAborted = errors.New("login aborted by user")

// Prompt obtains a login assertion from the user.
type Prompt interface {
	Assertion(ctx context.Context) (string, error)
}

// PromptFunc adapts a function to the Prompt interface.
type PromptFunc func(ctx context.Context) (string, error)

// Assertion implements Prompt.
func (f PromptFunc) Assertion(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticPrompt returns a prompt that always answers with assertion. An empty
// assertion behaves as an aborted prompt.
func StaticPrompt(assertion string) Prompt {
	return PromptFunc(func(context.Context) (string, error) {
		if assertion == "" {
			return "", ErrLoginAborted
		}
		return assertion, nil
	})
}

// Session is the user's session. It implements storefront.Authenticator.
type Session struct {
	mu     sync.RWMutex
	token  string
	path   string
	api    storefront.API
	prompt Prompt
	now    func() time.Time
	logger *telemetry.Logger
}

// NewSession creates a session. When path is non-empty the token is loaded
// from and persisted to that file.
func NewSession(api storefront.API, prompt Prompt, path string, logger *telemetry.Logger) (*Session, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	s := &Session{
		api:    api,
		prompt: prompt,
		path:   path,
		now:    time.Now,
		logger: logger.NewComponentLogger("auth"),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			s.token = strings.TrimSpace(string(data))
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read session token: %w", err)
		}
	}
	return s, nil
}

// Token returns the current session token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// LoggedIn reports whether a token is present and not expired.
func (s *Session) LoggedIn() bool {
	token := s.Token()
	if token == "" {
		return false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		s.logger.WithError(err).Debug("session token is not a JWT")
		return false
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return s.now().Before(claims.ExpiresAt.Time)
}

// Login runs the login flow: the prompt supplies an assertion which the
// login endpoint exchanges for a session token.
func (s *Session) Login(ctx context.Context) error {
	if s.prompt == nil {
		return ErrLoginAborted
	}

	assertion, err := s.prompt.Assertion(ctx)
	if err != nil {
		return err
	}
	if assertion == "" {
		return ErrLoginAborted
	}

	resp, err := s.api.Post(ctx, s.api.URL(storefront.EndpointLogin), map[string]string{
		"assertion": assertion,
	})
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("login rejected: %s", resp.Error)
	}

	var body struct {
		Token    string `json:"token"`
		Settings struct {
			DisplayName string `json:"display_name"`
		} `json:"settings"`
	}
	if err := resp.Decode(&body); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("login response did not include a token")
	}

	if err := s.SetToken(body.Token); err != nil {
		return err
	}
	s.logger.WithField("user", body.Settings.DisplayName).Info("Logged in")
	return nil
}

// SetToken replaces the session token and persists it.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to persist session token: %w", err)
	}
	return nil
}

// Logout clears the session.
func (s *Session) Logout() error {
	if err := s.SetToken(""); err != nil {
		return err
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

var _ storefront.Authenticator = (*Session)(nil)
