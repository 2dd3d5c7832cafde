// Package backup converts the backed-up preference scopes to and from the
// versioned JSON document kept in the remote store.
package backup

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kalambet/pilltrack/internal/prefs"
)

const (
	// CurrentVersion is written into every new payload.
	CurrentVersion = 1
	// UnknownDevice stands in for a missing deviceId.
	UnknownDevice = "unknown"

	schemaURL = "https://pilltrack.local/schemas/backup.json"
)

// ErrMalformedPayload means a downloaded document could not be decoded. It is
// never applied and retrying will not help.
var ErrMalformedPayload = errors.New("malformed backup payload")

//go:embed schema.json
var schemaJSON []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing backup schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding backup schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// Payload is the whole-store unit of synchronization.
type Payload struct {
	Version        int
	LastModifiedMs int64
	DeviceID       string
	Scopes         map[string]map[string]prefs.Value
}

type wirePayload struct {
	Version             int                               `json:"version"`
	LastModifiedEpochMs int64                             `json:"lastModifiedEpochMs"`
	DeviceID            string                            `json:"deviceId"`
	Prefs               map[string]map[string]prefs.Value `json:"prefs"`
}

// ScopeReader is the read side of the preference store.
type ScopeReader interface {
	ScopePrefs(scope string) (map[string]prefs.Value, error)
}

// Replacer applies full-scope replaces atomically.
type Replacer interface {
	ReplaceScopes(scopes map[string]map[string]prefs.Value) error
}

// Snapshot copies every key of the given scopes and stamps the result with
// now. Callers keep now non-decreasing per device.
func Snapshot(r ScopeReader, scopes []string, deviceID string, now time.Time) (Payload, error) {
	p := Payload{
		Version:        CurrentVersion,
		LastModifiedMs: now.UnixMilli(),
		DeviceID:       deviceID,
		Scopes:         make(map[string]map[string]prefs.Value, len(scopes)),
	}
	for _, scope := range scopes {
		entries, err := r.ScopePrefs(scope)
		if err != nil {
			return Payload{}, fmt.Errorf("reading scope %s: %w", scope, err)
		}
		p.Scopes[scope] = entries
	}
	return p, nil
}

func Marshal(p Payload) ([]byte, error) {
	w := wirePayload{
		Version:             p.Version,
		LastModifiedEpochMs: p.LastModifiedMs,
		DeviceID:            p.DeviceID,
		Prefs:               p.Scopes,
	}
	if w.Version == 0 {
		w.Version = CurrentVersion
	}
	if w.Prefs == nil {
		w.Prefs = map[string]map[string]prefs.Value{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding backup payload: %w", err)
	}
	return b, nil
}

// integer accepts any integral JSON number, including forms like 1.0 and 1e3
// that the schema's "integer" type admits.
func integer(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, fmt.Errorf("%s is not a 64-bit integer", n)
	}
	return r.Num().Int64(), nil
}

// Unmarshal validates and decodes a document. Missing version and deviceId
// take defaults; scope members that are not objects and values with no
// matching variant are skipped.
func Unmarshal(data []byte) (Payload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	sch, err := compileSchema()
	if err != nil {
		return Payload{}, err
	}
	if err := sch.Validate(inst); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	doc := inst.(map[string]any)
	p := Payload{
		Version:  CurrentVersion,
		DeviceID: UnknownDevice,
		Scopes:   make(map[string]map[string]prefs.Value),
	}
	if n, ok := doc["version"].(json.Number); ok {
		v, err := integer(n)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: version: %v", ErrMalformedPayload, err)
		}
		p.Version = int(v)
	}
	if p.LastModifiedMs, err = integer(doc["lastModifiedEpochMs"].(json.Number)); err != nil {
		return Payload{}, fmt.Errorf("%w: lastModifiedEpochMs: %v", ErrMalformedPayload, err)
	}
	if id, ok := doc["deviceId"].(string); ok && id != "" {
		p.DeviceID = id
	}

	for scope, member := range doc["prefs"].(map[string]any) {
		obj, ok := member.(map[string]any)
		if !ok {
			slog.Warn("skipping non-object backup scope", "scope", scope)
			continue
		}
		entries := make(map[string]prefs.Value, len(obj))
		for key, raw := range obj {
			v, err := prefs.FromJSON(raw)
			if err != nil {
				slog.Warn("skipping backup value", "scope", scope, "key", key, "error", err)
				continue
			}
			entries[key] = v
		}
		p.Scopes[scope] = entries
	}
	return p, nil
}

// Apply replaces every backed-up scope present in p in a single atomic write.
// Scopes absent from p are untouched; device-local scopes are never written.
func Apply(p Payload, r Replacer) error {
	scopes := make(map[string]map[string]prefs.Value, len(p.Scopes))
	for scope, entries := range p.Scopes {
		if !prefs.IsBackedUp(scope) {
			slog.Warn("ignoring non-backup scope in payload", "scope", scope)
			continue
		}
		scopes[scope] = entries
	}
	if len(scopes) == 0 {
		return nil
	}
	if err := r.ReplaceScopes(scopes); err != nil {
		return fmt.Errorf("applying backup: %w", err)
	}
	return nil
}
