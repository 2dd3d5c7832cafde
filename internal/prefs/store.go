package prefs

import (
	"errors"
	"fmt"
	"log/slog"
)

// Scope names. Only the backed-up scopes travel in cloud backups; sync and
// install are device-local.
const (
	ScopeConfig  = "config"
	ScopeStatus  = "status"
	ScopeAccount = "account"
	ScopeSync    = "sync"
	ScopeInstall = "install"
)

// BackedUpScopes lists the scopes included in a backup payload.
var BackedUpScopes = []string{ScopeConfig, ScopeStatus, ScopeAccount}

// IsBackedUp reports whether scope belongs in backup payloads.
func IsBackedUp(scope string) bool {
	for _, s := range BackedUpScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidScope reports whether scope is one of the known scopes.
func ValidScope(scope string) bool {
	return IsBackedUp(scope) || scope == ScopeSync || scope == ScopeInstall
}

// ErrCorruptValue marks a persisted value that could not be decoded.
var ErrCorruptValue = errors.New("corrupt preference value")

// CorruptValueError describes a single undecodable key. Readers treat the key
// as absent.
type CorruptValueError struct {
	Scope string
	Key   string
	Raw   string
	Err   error
}

func (e *CorruptValueError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("corrupt preference value %q: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("corrupt preference %s/%s = %q: %v", e.Scope, e.Key, e.Raw, e.Err)
}

func (e *CorruptValueError) Is(target error) bool {
	return target == ErrCorruptValue
}

func (e *CorruptValueError) Unwrap() error {
	return e.Err
}

// Store is typed key/value persistence split into named scopes. PutPrefs and
// ReplaceScopes are atomic: either every entry is committed or none is.
// Implemented by storage.Store.
type Store interface {
	GetPref(scope, key string) (Value, bool, error)
	ScopePrefs(scope string) (map[string]Value, error)
	// PutPrefs upserts entries; a null value deletes its key.
	PutPrefs(scope string, entries map[string]Value) error
	ClearScope(scope string) error
	// ReplaceScopes clears every named scope and repopulates it.
	ReplaceScopes(scopes map[string]map[string]Value) error
}

// GetString reads a string preference. A value of another kind is logged and
// treated as absent.
func GetString(s Store, scope, key string) (string, bool, error) {
	v, ok, err := s.GetPref(scope, key)
	if err != nil || !ok {
		return "", false, err
	}
	str, ok := v.AsString()
	if !ok {
		warnKind(scope, key, KindString, v)
		return "", false, nil
	}
	return str, true, nil
}

// GetInt reads an integer preference. A value of another kind is logged and
// treated as absent.
func GetInt(s Store, scope, key string) (int64, bool, error) {
	v, ok, err := s.GetPref(scope, key)
	if err != nil || !ok {
		return 0, false, err
	}
	i, ok := v.AsInt()
	if !ok {
		warnKind(scope, key, KindInt, v)
		return 0, false, nil
	}
	return i, true, nil
}

// GetBool reads a boolean preference. A value of another kind is logged and
// treated as absent.
func GetBool(s Store, scope, key string) (bool, bool, error) {
	v, ok, err := s.GetPref(scope, key)
	if err != nil || !ok {
		return false, false, err
	}
	b, ok := v.AsBool()
	if !ok {
		warnKind(scope, key, KindBool, v)
		return false, false, nil
	}
	return b, true, nil
}

func warnKind(scope, key string, want Kind, got Value) {
	slog.Warn("ignoring preference with unexpected kind",
		"scope", scope, "key", key, "want", want.String(), "got", got.Kind().String())
}
