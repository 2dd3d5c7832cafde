package backup

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pilltrack/internal/prefs"
	"github.com/kalambet/pilltrack/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s prefs.Store) map[string]map[string]prefs.Value {
	t.Helper()
	state := map[string]map[string]prefs.Value{
		prefs.ScopeConfig: {
			"active_count":  prefs.Int(21),
			"placebo_count": prefs.Int(7),
			"start_date":    prefs.String("2024-03-01"),
			"reminder_days": prefs.StringSet([]string{"tue", "mon"}),
			"volume":        prefs.Float(0.75),
			"whole":         prefs.Float(3),
			"sound_on":      prefs.Bool(true),
		},
		prefs.ScopeStatus: {
			"status_2024-03-01":  prefs.String("TAKEN"),
			"takenAt_2024-03-01": prefs.Int(1709280000123),
		},
		prefs.ScopeAccount: {
			"huge": prefs.Int(math.MaxInt64),
		},
	}
	for scope, entries := range state {
		require.NoError(t, s.PutPrefs(scope, entries))
	}
	return state
}

func TestSnapshotApplyRoundTrip(t *testing.T) {
	src := openStore(t)
	want := seed(t, src)
	require.NoError(t, src.PutPrefs(prefs.ScopeSync, map[string]prefs.Value{"baseline_ms": prefs.Int(9)}))

	now := time.UnixMilli(1709290000000)
	p, err := Snapshot(src, prefs.BackedUpScopes, "device-a", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1709290000000), p.LastModifiedMs)
	assert.NotContains(t, p.Scopes, prefs.ScopeSync)

	data, err := Marshal(p)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, decoded.Version)
	assert.Equal(t, "device-a", decoded.DeviceID)

	dst := openStore(t)
	require.NoError(t, dst.PutPrefs(prefs.ScopeStatus, map[string]prefs.Value{"status_2020-01-01": prefs.String("MISSED")}))
	require.NoError(t, Apply(decoded, dst))

	for scope, entries := range want {
		got, err := dst.ScopePrefs(scope)
		require.NoError(t, err)
		require.Len(t, got, len(entries), "scope %s", scope)
		for k, v := range entries {
			assert.True(t, got[k].Equal(v), "%s/%s: got %v (%s), want %v (%s)", scope, k, got[k], got[k].Kind(), v, v.Kind())
		}
	}
}

func TestApplyToSameStoreIsNoop(t *testing.T) {
	s := openStore(t)
	want := seed(t, s)

	p, err := Snapshot(s, prefs.BackedUpScopes, "d", time.Now())
	require.NoError(t, err)
	data, err := Marshal(p)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.NoError(t, Apply(decoded, s))

	for scope, entries := range want {
		got, err := s.ScopePrefs(scope)
		require.NoError(t, err)
		assert.Len(t, got, len(entries))
	}
}

func TestApplyLeavesAbsentScopes(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PutPrefs(prefs.ScopeAccount, map[string]prefs.Value{"email": prefs.String("a@b.c")}))

	p := Payload{Scopes: map[string]map[string]prefs.Value{
		prefs.ScopeStatus: {"status_2024-01-01": prefs.String("TAKEN")},
	}}
	require.NoError(t, Apply(p, s))

	acct, err := s.ScopePrefs(prefs.ScopeAccount)
	require.NoError(t, err)
	assert.Len(t, acct, 1)
}

func TestApplyIgnoresLocalScopes(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PutPrefs(prefs.ScopeSync, map[string]prefs.Value{"baseline_ms": prefs.Int(5)}))

	p := Payload{Scopes: map[string]map[string]prefs.Value{
		prefs.ScopeSync: {},
	}}
	require.NoError(t, Apply(p, s))

	v, ok, err := s.GetPref(prefs.ScopeSync, "baseline_ms")
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := v.AsInt()
	assert.Equal(t, int64(5), n)
}

func TestUnmarshalDefaultsAndTolerance(t *testing.T) {
	doc := `{
		"lastModifiedEpochMs": 150,
		"prefs": {
			"config": {"a": 1, "b": 1.5, "c": [1, 2], "d": {"x": 1}, "e": ["p", "q"], "f": null, "g": 2.0},
			"status": "not-an-object",
			"account": {}
		}
	}`
	p, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 1, p.Version)
	assert.Equal(t, UnknownDevice, p.DeviceID)
	assert.Equal(t, int64(150), p.LastModifiedMs)
	assert.NotContains(t, p.Scopes, "status")
	assert.Contains(t, p.Scopes, "account")

	cfg := p.Scopes["config"]
	assert.Equal(t, prefs.KindInt, cfg["a"].Kind())
	assert.Equal(t, prefs.KindFloat, cfg["b"].Kind())
	assert.NotContains(t, cfg, "c")
	assert.NotContains(t, cfg, "d")
	assert.Equal(t, prefs.KindStringSet, cfg["e"].Kind())
	assert.True(t, cfg["f"].IsNull())
	assert.Equal(t, prefs.KindFloat, cfg["g"].Kind())
}

func TestUnmarshalLargeIntegersExact(t *testing.T) {
	doc := `{"version": 1, "lastModifiedEpochMs": 9007199254740993, "deviceId": "x",
		"prefs": {"config": {"n": 9223372036854775807}}}`
	p, err := Unmarshal([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), p.LastModifiedMs)
	n, ok := p.Scopes["config"]["n"].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), n)
}

func TestUnmarshalIntegralNumberForms(t *testing.T) {
	p, err := Unmarshal([]byte(`{"version": 1.0, "lastModifiedEpochMs": 1.5e3, "prefs": {}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, int64(1500), p.LastModifiedMs)

	p, err = Unmarshal([]byte(`{"lastModifiedEpochMs": 1773100000000.0, "prefs": {}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1773100000000), p.LastModifiedMs)

	for _, doc := range []string{
		`{"lastModifiedEpochMs": 1.5, "prefs": {}}`,
		`{"lastModifiedEpochMs": 1e30, "prefs": {}}`,
	} {
		_, err := Unmarshal([]byte(doc))
		assert.ErrorIs(t, err, ErrMalformedPayload, doc)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"prefs":`,
		"array":             `[1,2]`,
		"missing timestamp": `{"prefs": {}}`,
		"string timestamp":  `{"lastModifiedEpochMs": "150", "prefs": {}}`,
		"prefs not object":  `{"lastModifiedEpochMs": 1, "prefs": []}`,
		"negative":          `{"lastModifiedEpochMs": -1, "prefs": {}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(doc))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestMarshalWireFormat(t *testing.T) {
	p := Payload{
		Version:        1,
		LastModifiedMs: 42,
		DeviceID:       "dev",
		Scopes: map[string]map[string]prefs.Value{
			prefs.ScopeConfig: {"w": prefs.Float(2), "s": prefs.StringSet([]string{"b", "a"})},
		},
	}
	data, err := Marshal(p)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.JSONEq(t, `1`, string(generic["version"]))
	assert.JSONEq(t, `42`, string(generic["lastModifiedEpochMs"]))
	assert.JSONEq(t, `"dev"`, string(generic["deviceId"]))
	assert.Contains(t, string(generic["prefs"]), `"w":2.0`)
	assert.Contains(t, string(generic["prefs"]), `"s":["a","b"]`)
}
