package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNoToken means no credentials have been stored yet.
var ErrNoToken = errors.New("no access token")

// TokenSource supplies bearer tokens. Refresh forces a new access token;
// concurrent callers share one refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticToken never refreshes; a rejected token stays rejected.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

func (t StaticToken) Refresh(context.Context) error { return nil }

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
	ClearToken() error
}

// OAuthTokenSource refreshes access tokens with the stored refresh token.
type OAuthTokenSource struct {
	cfg        *oauth2.Config
	store      TokenStore
	httpClient *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
	sf  singleflight.Group
}

func NewOAuthTokenSource(cfg *oauth2.Config, store TokenStore, httpClient *http.Client) *OAuthTokenSource {
	return &OAuthTokenSource{cfg: cfg, store: store, httpClient: httpClient}
}

// SetToken replaces the current credentials, typically right after sign-in.
func (s *OAuthTokenSource) SetToken(tok *oauth2.Token) error {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
	return s.store.SaveToken(tok)
}

// Clear forgets the credentials in memory and in the store.
func (s *OAuthTokenSource) Clear() error {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
	return s.store.ClearToken()
}

func (s *OAuthTokenSource) current() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		tok, err := s.store.LoadToken()
		if err != nil {
			return nil, err
		}
		s.tok = tok
	}
	return s.tok, nil
}

func (s *OAuthTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := s.current()
	if err != nil {
		return "", err
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	tok, err = s.current()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (s *OAuthTokenSource) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *OAuthTokenSource) refresh(ctx context.Context) error {
	tok, err := s.current()
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	// A token carrying only the refresh token is never valid, so the source
	// always hits the token endpoint.
	fresh, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 && re.Response.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return &TransientError{Op: "refresh token", Err: err}
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return s.SetToken(fresh)
}

// SecretStore is the subset of the platform keychain used for tokens.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// KeychainTokenStore keeps the token as JSON under one keychain entry.
type KeychainTokenStore struct {
	Secrets SecretStore
	Service string
	Account string
}

func (k KeychainTokenStore) LoadToken() (*oauth2.Token, error) {
	raw, err := k.Secrets.Get(k.Service, k.Account)
	if err != nil || raw == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding stored token: %w", err)
	}
	return &tok, nil
}

func (k KeychainTokenStore) SaveToken(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return k.Secrets.Set(k.Service, k.Account, string(b))
}

func (k KeychainTokenStore) ClearToken() error {
	return k.Secrets.Delete(k.Service, k.Account)
}
