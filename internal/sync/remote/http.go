package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPConfig configures the HTTP remote store client.
type HTTPConfig struct {
	BaseURL string
	// Token is sent as a bearer token; the engine treats it as opaque.
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPStore talks JSON over HTTP to the remote store.
type HTTPStore struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPStore creates a client. A request timeout is mandatory; zero
// selects 20 seconds.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout
	return &HTTPStore{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &c,
	}, nil
}

// Push implements Store.
func (s *HTTPStore) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	body, err := json.Marshal(pushBody{Payload: req.Payload, ExpectedVersion: req.ExpectedVersion, LastModifiedAt: req.LastModifiedAt})
	if err != nil {
		return PushResult{}, err
	}
	var res PushResult
	err = s.do(ctx, http.MethodPut, s.recordURL(req.Collection, req.ID), req.IdempotencyKey, body, &res, req.Collection, req.ID, req.ExpectedVersion)
	return res, err
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, req DeleteRequest) (PushResult, error) {
	q := url.Values{}
	q.Set("expectedVersion", strconv.FormatInt(req.ExpectedVersion, 10))
	if !req.LastModifiedAt.IsZero() {
		q.Set("lastModifiedAt", req.LastModifiedAt.UTC().Format(time.RFC3339Nano))
	}
	var res PushResult
	err := s.do(ctx, http.MethodDelete, s.recordURL(req.Collection, req.ID)+"?"+q.Encode(), req.IdempotencyKey, nil, &res, req.Collection, req.ID, req.ExpectedVersion)
	return res, err
}

// PullSince implements Store.
func (s *HTTPStore) PullSince(ctx context.Context, collection, cursor string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page Page
	err := s.do(ctx, http.MethodGet, s.base+"/collections/"+url.PathEscape(collection)+"/changes?"+q.Encode(), "", nil, &page, collection, "", 0)
	return page, err
}

// Fetch implements Store.
func (s *HTTPStore) Fetch(ctx context.Context, collection, id string) (Change, error) {
	var c Change
	err := s.do(ctx, http.MethodGet, s.recordURL(collection, id), "", nil, &c, collection, id, 0)
	return c, err
}

func (s *HTTPStore) recordURL(collection, id string) string {
	return s.base + "/collections/" + url.PathEscape(collection) + "/records/" + url.PathEscape(id)
}

func (s *HTTPStore) do(ctx context.Context, method, target, idemKey string, body []byte, out interface{}, collection, id string, expected int64) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("remote: decoding response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		_ = json.Unmarshal(data, &cb)
		return &VersionConflictError{Collection: collection, ID: id, Expected: expected, Current: cb.Current}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &ValidationError{Reason: eb.Error}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
}

var _ Store = (*HTTPStore)(nil)
