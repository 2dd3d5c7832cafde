package cloudsync

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/pilltrack/internal/prefs"
)

// SyncStatus is the outcome of the most recent sync attempt as shown to the user.
type SyncStatus string

const (
	StatusNotSynced SyncStatus = "NOT_SYNCED"
	StatusSuccess   SyncStatus = "SUCCESS"
	StatusNoBackup  SyncStatus = "NO_BACKUP"
	StatusError     SyncStatus = "ERROR"
)

// Keys in the sync scope.
const (
	keyLocalLastChanged = "local_last_changed_ms"
	keyBaseline         = "baseline_ms"
	keyInitialSync      = "initial_sync_completed"
	keyAutoUpload       = "auto_upload_enabled"
	keyLastStatus       = "last_status"
	keyLastSyncTime     = "last_sync_time_ms"
	keyLastError        = "last_error"
	keyAuthRequired     = "auth_required"
	keyAccountEmail     = "account_email"

	keyDeviceID = "device_id"
)

// Bookkeeping is the per-device sync state. It lives in the sync scope and
// never travels in a backup.
type Bookkeeping struct {
	LocalLastChangedMs   int64      `json:"localLastChangedEpochMs"`
	BaselineMs           int64      `json:"baselineEpochMs"`
	InitialSyncCompleted bool       `json:"initialSyncCompleted"`
	AutoUploadEnabled    bool       `json:"autoUploadEnabled"`
	LastStatus           SyncStatus `json:"lastStatus"`
	LastSyncTimeMs       int64      `json:"lastSyncTimeEpochMs,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	AuthRequired         bool       `json:"authRequired"`
	AccountEmail         string     `json:"accountEmail,omitempty"`
}

// SignedIn reports whether an account is attached to this device.
func (b Bookkeeping) SignedIn() bool { return b.AccountEmail != "" }

// LoadBookkeeping reads the sync scope. Missing or corrupt keys take their
// zero values.
func LoadBookkeeping(store prefs.Store) (Bookkeeping, error) {
	m, err := store.ScopePrefs(prefs.ScopeSync)
	if err != nil {
		return Bookkeeping{}, fmt.Errorf("loading sync bookkeeping: %w", err)
	}
	b := Bookkeeping{LastStatus: StatusNotSynced}
	b.LocalLastChangedMs, _ = m[keyLocalLastChanged].AsInt()
	b.BaselineMs, _ = m[keyBaseline].AsInt()
	b.InitialSyncCompleted, _ = m[keyInitialSync].AsBool()
	b.AutoUploadEnabled, _ = m[keyAutoUpload].AsBool()
	if s, ok := m[keyLastStatus].AsString(); ok && s != "" {
		b.LastStatus = SyncStatus(s)
	}
	b.LastSyncTimeMs, _ = m[keyLastSyncTime].AsInt()
	b.LastError, _ = m[keyLastError].AsString()
	b.AuthRequired, _ = m[keyAuthRequired].AsBool()
	b.AccountEmail, _ = m[keyAccountEmail].AsString()
	return b, nil
}

func (b Bookkeeping) entries() map[string]prefs.Value {
	m := map[string]prefs.Value{
		keyLocalLastChanged: prefs.Int(b.LocalLastChangedMs),
		keyBaseline:         prefs.Int(b.BaselineMs),
		keyInitialSync:      prefs.Bool(b.InitialSyncCompleted),
		keyAutoUpload:       prefs.Bool(b.AutoUploadEnabled),
		keyLastStatus:       prefs.String(string(b.LastStatus)),
		keyLastSyncTime:     prefs.Int(b.LastSyncTimeMs),
		keyAuthRequired:     prefs.Bool(b.AuthRequired),
		keyLastError:        prefs.Null(),
		keyAccountEmail:     prefs.Null(),
	}
	if b.LastError != "" {
		m[keyLastError] = prefs.String(b.LastError)
	}
	if b.AccountEmail != "" {
		m[keyAccountEmail] = prefs.String(b.AccountEmail)
	}
	return m
}

// DeviceID returns the stable per-install identifier, creating it on first use.
func DeviceID(store prefs.Store) (string, error) {
	id, ok, err := prefs.GetString(store, prefs.ScopeInstall, keyDeviceID)
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.PutPrefs(prefs.ScopeInstall, map[string]prefs.Value{keyDeviceID: prefs.String(id)}); err != nil {
		return "", fmt.Errorf("storing device id: %w", err)
	}
	return id, nil
}
