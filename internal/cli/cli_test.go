package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fakeAPI records the last request and answers with a canned response.
type fakeAPI struct {
	status int
	body   string

	method string
	path   string
	query  string
	req    map[string]interface{}
}

func (f *fakeAPI) start(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.method = r.Method
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		f.req = nil
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&f.req)
		}
		w.Header().Set("Content-Type", "application/json")
		if f.status == http.StatusNoContent {
			w.WriteHeader(f.status)
			return
		}
		w.WriteHeader(f.status)
		io.WriteString(w, f.body)
	}))
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "schoolsync", cmd.Use)

	for _, name := range []string{"serve", "dev-remote", "status", "sync", "records", "conflicts", "config", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "version", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "schoolsync "+Version+"\n", out)
}

func TestConfig_RedactsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schoolsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/schoolsync
remote:
  mode: http
  url: https://sync.example.edu
  token: hunter2
`), 0600))

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "url: https://sync.example.edu")
	assert.Contains(t, out, "REDACTED")
	assert.NotContains(t, out, "hunter2")

	out, err = execute(t, "config", "--config", path, "--format", "json")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "/tmp/schoolsync", cfg.DataDir)
}

func TestStatus(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{
		"collections":[{"collection":"attendance","pending":2,"failed":1,"conflicted":0}],
		"pending":2,"failed":1,"conflicted":0,
		"network":{"state":"offline"},
		"scheduler":{"running":true}
	}`}
	base := api.start(t)

	out, err := execute(t, "status", "--api", base)
	require.NoError(t, err)
	assert.Equal(t, "/api/status", api.path)
	assert.Contains(t, out, "Network:    offline")
	assert.Contains(t, out, "Pending:    2")
	assert.Contains(t, out, "attendance")
}

func TestSync_ErrorCarriesCode(t *testing.T) {
	api := &fakeAPI{status: http.StatusServiceUnavailable, body: `{"error":"offline","code":"SYNC_UNAVAILABLE"}`}
	base := api.start(t)

	_, err := execute(t, "sync", "--api", base)
	require.Error(t, err)
	assert.Equal(t, http.MethodPost, api.method)
	assert.True(t, errors.Is(err, errors.ErrSyncUnavailable))
}

func TestRecords_Create(t *testing.T) {
	api := &fakeAPI{status: http.StatusCreated, body: `{"id":"s1","collection":"students","syncState":"pendingCreate","localVersion":1}`}
	base := api.start(t)

	out, err := execute(t, "records", "create", "students", `{"firstName":"Ama","lastName":"Mensah"}`, "--id", "s1", "--api", base)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, api.method)
	assert.Equal(t, "/api/collections/students/records", api.path)
	assert.Equal(t, "s1", api.req["id"])
	assert.Equal(t, map[string]interface{}{"firstName": "Ama", "lastName": "Mensah"}, api.req["payload"])
	assert.Contains(t, out, "pendingCreate")
}

func TestRecords_UpdateFromFile(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{"id":"s1","syncState":"pendingUpdate"}`}
	base := api.start(t)

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"firstName":"Ama","lastName":"Owusu"}`), 0600))

	_, err := execute(t, "records", "update", "students", "s1", "@"+path, "--api", base)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, api.method)
	assert.Equal(t, "/api/collections/students/records/s1", api.path)
}

func TestRecords_InvalidPayload(t *testing.T) {
	_, err := execute(t, "records", "create", "students", "{not json", "--api", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestRecords_OperatorActions(t *testing.T) {
	api := &fakeAPI{status: http.StatusAccepted, body: `{"id":"p1","syncState":"pendingCreate"}`}
	base := api.start(t)

	_, err := execute(t, "records", "retry", "payments", "p1", "--api", base)
	require.NoError(t, err)
	assert.Equal(t, "/api/collections/payments/records/p1/retry", api.path)

	api.status = http.StatusNoContent
	out, err := execute(t, "records", "abandon", "payments", "p1", "--api", base)
	require.NoError(t, err)
	assert.Equal(t, "/api/collections/payments/records/p1/abandon", api.path)
	assert.Contains(t, out, "discarded")
}

func TestRecords_ListJSON(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{"records":[{"id":"a1"},{"id":"a2"}]}`}
	base := api.start(t)

	out, err := execute(t, "records", "list", "attendance", "--api", base, "--format", "json")
	require.NoError(t, err)
	var got struct {
		Records []map[string]interface{} `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Records, 2)
}

func TestConflicts(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{"conflicts":[{"recordId":"p1","collection":"payments","strategy":"manual","resolutionState":"unresolved"}]}`}
	base := api.start(t)

	out, err := execute(t, "conflicts", "list", "--api", base)
	require.NoError(t, err)
	assert.Equal(t, "state=unresolved", api.query)
	assert.Contains(t, out, "payments")

	api.body = `{"id":"p1","syncState":"pendingUpdate"}`
	_, err = execute(t, "conflicts", "resolve", "payments", "p1", "merged", "--payload", `{"amount":10}`, "--api", base)
	require.NoError(t, err)
	assert.Equal(t, "/api/conflicts/payments/p1/resolve", api.path)
	assert.Equal(t, "merged", api.req["choice"])
	assert.NotNil(t, api.req["payload"])

	_, err = execute(t, "conflicts", "resolve", "payments", "p1", "both", "--api", base)
	require.Error(t, err)
}

func TestServeConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := serveConfig(&RootOptions{}, &ServeOptions{Remote: config.RemoteMemory, Addr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, config.RemoteMemory, cfg.Remote.Mode)
	assert.Equal(t, "127.0.0.1:0", cfg.HTTP.Addr)
	assert.Equal(t, dir, cfg.DataDir)

	// The default http remote has no URL.
	_, err = serveConfig(&RootOptions{}, &ServeOptions{DataDir: dir})
	require.Error(t, err)
}

func TestDevRemote_ServesHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveDevRemote(ctx, ln, "tok") }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/collections/students/changes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dev remote did not stop")
	}
}

func TestReadPayload_Stdin(t *testing.T) {
	raw, err := readPayload("@-", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
}
