package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)

func TestMemoryStore_PushCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{"score":80}`), LastModifiedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewVersion)

	res, err = s.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{"score":85}`), ExpectedVersion: 1, LastModifiedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NewVersion)

	c, ok := s.Get("grades", "g1")
	require.True(t, ok)
	assert.JSONEq(t, `{"score":85}`, string(c.Payload))
	assert.Equal(t, 2, s.AppliedWrites())
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put("grades", "g1", json.RawMessage(`{"score":70}`), t0)
	s.Put("grades", "g1", json.RawMessage(`{"score":75}`), t0.Add(time.Minute))

	_, err := s.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{}`), ExpectedVersion: 1})
	vc, ok := AsVersionConflict(err)
	require.True(t, ok, "expected version conflict, got %v", err)
	require.NotNil(t, vc.Current)
	assert.Equal(t, int64(2), vc.Current.Version)
	assert.Equal(t, int64(1), vc.Expected)

	// Creating over an existing record is a conflict too.
	_, err = s.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{}`)})
	_, ok = AsVersionConflict(err)
	assert.True(t, ok)
}

func TestMemoryStore_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := PushRequest{Collection: "payments", ID: "p1", Payload: json.RawMessage(`{"amount":50}`), IdempotencyKey: "k1"}

	first, err := s.Push(ctx, req)
	require.NoError(t, err)
	second, err := s.Push(ctx, req)
	require.NoError(t, err, "replay with the same key must not conflict")

	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.AppliedWrites())
	assert.Equal(t, 2, s.Calls())
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Delete(ctx, DeleteRequest{Collection: "messages", ID: "missing"})
	require.NoError(t, err)
	assert.Zero(t, res.NewVersion)

	v := s.Put("messages", "m1", json.RawMessage(`{"body":"hi"}`), t0)
	res, err = s.Delete(ctx, DeleteRequest{Collection: "messages", ID: "m1", ExpectedVersion: v})
	require.NoError(t, err)
	assert.Equal(t, v+1, res.NewVersion)

	c, ok := s.Get("messages", "m1")
	require.True(t, ok)
	assert.True(t, c.Deleted)
	assert.Nil(t, c.Payload)

	// Deleting a tombstone again succeeds with its version.
	again, err := s.Delete(ctx, DeleteRequest{Collection: "messages", ID: "m1", ExpectedVersion: 99})
	require.NoError(t, err)
	assert.Equal(t, res.NewVersion, again.NewVersion)
}

func TestMemoryStore_PullSincePages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put("grades", "g1", json.RawMessage(`{}`), t0)
	s.Put("students", "s1", json.RawMessage(`{}`), t0)
	s.Put("grades", "g2", json.RawMessage(`{}`), t0)
	s.Put("grades", "g3", json.RawMessage(`{}`), t0)

	page, err := s.PullSince(ctx, "grades", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Changes, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "g1", page.Changes[0].ID)
	assert.Equal(t, "g2", page.Changes[1].ID)

	page, err = s.PullSince(ctx, "grades", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "g3", page.Changes[0].ID)

	page, err = s.PullSince(ctx, "grades", page.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Changes)

	_, err = s.PullSince(ctx, "grades", "bogus", 2)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStore_Faults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.SetOffline(true)
	_, err := s.Push(ctx, PushRequest{Collection: "grades", ID: "g1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	s.SetOffline(false)

	s.Deny("balances")
	_, err = s.Push(ctx, PushRequest{Collection: "balances", ID: "b1"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	s.SetValidator(func(collection string, payload json.RawMessage) error {
		return errors.New("score out of range")
	})
	_, err = s.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{"score":900}`)})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "score out of range", ve.Reason)
	s.SetValidator(nil)

	boom := errors.New("boom")
	s.SetFault(func(op, collection, id string) error {
		if op == "push" && id == "g2" {
			return boom
		}
		return nil
	})
	_, err = s.Push(ctx, PushRequest{Collection: "grades", ID: "g2"})
	assert.ErrorIs(t, err, boom)
	_, err = s.Push(ctx, PushRequest{Collection: "grades", ID: "g3"})
	assert.NoError(t, err)
}

func TestMemoryStore_LatencyHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	s.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Push(ctx, PushRequest{Collection: "grades", ID: "g1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.AppliedWrites())
}

func TestMemoryStore_Overlaps(t *testing.T) {
	s := NewMemoryStore()
	s.SetLatency(30 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Fetch(context.Background(), "grades", "g1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.Overlaps())
}

func TestStatusErrorMapping(t *testing.T) {
	assert.ErrorIs(t, &StatusError{Code: 502}, ErrUnavailable)
	assert.NotErrorIs(t, &StatusError{Code: 418}, ErrUnavailable)
	assert.ErrorIs(t, &ValidationError{Reason: "x"}, ErrValidation)
}

func newHTTPPair(t *testing.T, token string) (*MemoryStore, *HTTPStore) {
	t.Helper()
	mem := NewMemoryStore()
	srv := httptest.NewServer(NewHandler(mem, "secret"))
	t.Cleanup(srv.Close)

	client, err := NewHTTPStore(HTTPConfig{BaseURL: srv.URL + "/", Token: token, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return mem, client
}

func TestHTTPStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mem, client := newHTTPPair(t, "secret")

	res, err := client.Push(ctx, PushRequest{
		Collection:     "attendance",
		ID:             "a-1",
		Payload:        json.RawMessage(`{"present":true}`),
		LastModifiedAt: t0,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewVersion)

	// Replay through HTTP reaches the same idempotency table.
	res, err = client.Push(ctx, PushRequest{Collection: "attendance", ID: "a-1", Payload: json.RawMessage(`{"present":true}`), IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewVersion)
	assert.Equal(t, 1, mem.AppliedWrites())

	got, err := client.Fetch(ctx, "attendance", "a-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"present":true}`, string(got.Payload))
	assert.True(t, got.LastModifiedAt.Equal(t0))

	page, err := client.PullSince(ctx, "attendance", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "a-1", page.Changes[0].ID)

	del, err := client.Delete(ctx, DeleteRequest{Collection: "attendance", ID: "a-1", ExpectedVersion: 1, LastModifiedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.NewVersion)
}

func TestHTTPStore_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	mem, client := newHTTPPair(t, "secret")
	mem.Put("grades", "g1", json.RawMessage(`{"score":1}`), t0)

	_, err := client.Push(ctx, PushRequest{Collection: "grades", ID: "g1", Payload: json.RawMessage(`{}`), ExpectedVersion: 7})
	vc, ok := AsVersionConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, int64(7), vc.Expected)
	require.NotNil(t, vc.Current)
	assert.Equal(t, int64(1), vc.Current.Version)
	assert.JSONEq(t, `{"score":1}`, string(vc.Current.Payload))

	mem.Deny("balances")
	_, err = client.Push(ctx, PushRequest{Collection: "balances", ID: "b1", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	mem.SetValidator(func(string, json.RawMessage) error { return errors.New("bad grade") })
	_, err = client.Push(ctx, PushRequest{Collection: "grades", ID: "g9", Payload: json.RawMessage(`{}`)})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bad grade", ve.Reason)

	_, err = client.Fetch(ctx, "grades", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	mem.SetOffline(true)
	_, err = client.Fetch(ctx, "grades", "g1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPStore_BadToken(t *testing.T) {
	_, client := newHTTPPair(t, "wrong")
	_, err := client.Fetch(context.Background(), "grades", "g1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestHTTPStore_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewHTTPStore(HTTPConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), "grades", "g1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPStore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewHTTPStore(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.PullSince(context.Background(), "grades", "", 0)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewHTTPStore_InvalidURL(t *testing.T) {
	_, err := NewHTTPStore(HTTPConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}
