package bridge

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/app"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
)

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorInfo      `json:"error"`
}

func open(t *testing.T) (*Bridge, *remote.MemoryStore) {
	t.Helper()
	store := remote.NewMemoryStore()
	cfg, err := json.Marshal(map[string]interface{}{
		"data_dir":               t.TempDir(),
		"stabilization_delay_ms": 20,
		"base_retry_delay_ms":    20,
		"max_retry_delay_ms":     200,
		"remote":                 map[string]interface{}{"mode": "memory"},
		"http":                   map[string]interface{}{"enabled": false},
	})
	require.NoError(t, err)

	b, err := Open(string(cfg), app.WithRemote(store))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, store
}

func call(t *testing.T, b *Bridge, method string, args interface{}) envelope {
	t.Helper()
	raw := ""
	if args != nil {
		data, err := json.Marshal(args)
		require.NoError(t, err)
		raw = string(data)
	}
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(b.Call(method, raw)), &env))
	return env
}

func record(t *testing.T, env envelope) *models.Record {
	t.Helper()
	require.True(t, env.OK, "call failed: %+v", env.Error)
	var rec models.Record
	require.NoError(t, json.Unmarshal(env.Result, &rec))
	return &rec
}

func TestBridge_OfflineMutateThenOnline(t *testing.T) {
	b, store := open(t)

	rec := record(t, call(t, b, "mutate", map[string]interface{}{
		"collection": "attendance",
		"id":         "a1",
		"operation":  "create",
		"payload":    map[string]interface{}{"studentId": "s1", "classId": "c1", "date": "2026-10-18", "status": "present"},
	}))
	assert.Equal(t, models.SyncStatePendingCreate, rec.SyncState)
	assert.Zero(t, store.Calls())

	env := call(t, b, "setOnline", map[string]interface{}{"online": true, "linkType": "wifi"})
	require.True(t, env.OK)

	require.Eventually(t, func() bool {
		got := record(t, call(t, b, "get", map[string]string{"collection": "attendance", "id": "a1"}))
		return got.SyncState == models.SyncStateSynced
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := store.Get("attendance", "a1")
	assert.True(t, ok)
}

func TestBridge_Errors(t *testing.T) {
	b, _ := open(t)

	tests := []struct {
		name   string
		method string
		args   string
		code   string
	}{
		{"unknown method", "explode", "", "INVALID_INPUT"},
		{"bad arguments", "get", "{", "INVALID_INPUT"},
		{"unknown collection", "list", `{"collection":"canteen"}`, "UNKNOWN_COLLECTION"},
		{"missing record", "get", `{"collection":"students","id":"nobody"}`, "NOT_FOUND"},
		{"bad state filter", "conflicts", `{"state":"maybe"}`, "INVALID_INPUT"},
		{"bad choice", "resolve", `{"collection":"payments","id":"p1","choice":"both"}`, "INVALID_INPUT"},
		{"sync while offline", "sync", "", "SYNC_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env envelope
			require.NoError(t, json.Unmarshal([]byte(b.Call(tt.method, tt.args)), &env))
			assert.False(t, env.OK)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestBridge_ListAndStatus(t *testing.T) {
	b, _ := open(t)

	env := call(t, b, "list", map[string]string{"collection": "students"})
	require.True(t, env.OK)
	assert.JSONEq(t, `[]`, string(env.Result))

	record(t, call(t, b, "mutate", map[string]interface{}{
		"collection": "students",
		"id":         "s1",
		"operation":  "create",
		"payload":    map[string]interface{}{"firstName": "Ama", "lastName": "Mensah"},
	}))

	env = call(t, b, "status", nil)
	require.True(t, env.OK)
	var st struct {
		Pending int `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &st))
	assert.Equal(t, 1, st.Pending)
}

func TestBridge_PollEvents(t *testing.T) {
	b, _ := open(t)

	// The first poll opens the mailbox.
	env := call(t, b, "pollEvents", map[string]int{"timeoutMs": 0})
	require.True(t, env.OK)

	record(t, call(t, b, "mutate", map[string]interface{}{
		"collection": "students",
		"id":         "s1",
		"operation":  "create",
		"payload":    map[string]interface{}{"firstName": "Ama", "lastName": "Mensah"},
	}))

	env = call(t, b, "pollEvents", map[string]int{"timeoutMs": 2000, "max": 10})
	require.True(t, env.OK)
	var evts []events.Event
	require.NoError(t, json.Unmarshal(env.Result, &evts))
	require.NotEmpty(t, evts)
	assert.Equal(t, events.RecordChanged, evts[0].Type)
	assert.Equal(t, "s1", evts[0].RecordID)
}

func TestBridge_Close(t *testing.T) {
	b, _ := open(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(b.Call("status", "")), &env))
	assert.False(t, env.OK)
	assert.Equal(t, "SYNC_UNAVAILABLE", env.Error.Code)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(`{"remote":{"mode":"carrier-pigeon"}}`)
	require.Error(t, err)
}
