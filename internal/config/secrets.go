package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	keychainService = "pilltrack"
	apiTokenAccount = "api_token"
)

// KeychainService is the service name every pilltrack secret is stored under.
const KeychainService = keychainService

// OAuthTokenAccount holds the remote store's OAuth token as JSON.
const OAuthTokenAccount = "oauth_token"

// Keychain is the platform secret store: the macOS Keychain on darwin and a
// 0600 JSON file elsewhere.
type Keychain struct{}

func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func (Keychain) Delete(service, account string) error {
	return keychainDelete(service, account)
}

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// GetAPIToken returns the bearer token guarding the local API, generating and
// storing one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok, err := s.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetSecret stores a secret config key (such as sync.oauth_client_secret) in
// the platform secret store.
func SetSecret(s SecretStore, key, value string) error {
	spec, ok := findSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if !spec.secret {
		return fmt.Errorf("%q is not a secret; use config set", key)
	}
	account := key[strings.LastIndex(key, ".")+1:]
	return s.Set(keychainService, account, value)
}
