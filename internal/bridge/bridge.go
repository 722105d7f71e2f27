// Package bridge exposes the sync engine to embedding hosts (the mobile
// shells) through a string-in, string-out JSON call interface.
package bridge

import (
	"context"
	stdjson "encoding/json"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/app"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	schoolsync "github.com/Gyimahp52/michael-school-portal-sub002/internal/sync"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/network"
)

const (
	callTimeout    = 30 * time.Second
	maxPollEvents  = 500
	maxPollTimeout = 30 * time.Second
)

// Response is the envelope of every Call result.
type Response struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries an error code the host can branch on.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Bridge runs one engine for a host process.
type Bridge struct {
	app    *app.App
	engine *schoolsync.Engine
	source *network.ManualSource
	calls  map[string]handler

	cancel context.CancelFunc
	done   chan error

	mu     sync.Mutex
	events *events.Subscription
	closed bool
}

// Open parses a JSON configuration document and starts the engine. The host
// reports connectivity with the setOnline call; the engine starts offline.
func Open(configJSON string, opts ...app.Option) (*Bridge, error) {
	cfg, err := config.Parse([]byte(configJSON), "json")
	if err != nil {
		return nil, err
	}
	app.ConfigureLogging(cfg.Log)

	src := network.NewManualSource(false)
	a, err := app.New(cfg, append([]app.Option{app.WithSource(src)}, opts...)...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		app:    a,
		engine: a.Engine(),
		source: src,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	b.calls = map[string]handler{
		"mutate":     b.mutate,
		"get":        b.get,
		"list":       b.list,
		"status":     b.status,
		"sync":       b.sync,
		"conflicts":  b.conflicts,
		"resolve":    b.resolve,
		"retry":      b.retry,
		"abandon":    b.abandon,
		"setOnline":  b.setOnline,
		"pollEvents": b.pollEvents,
	}

	go func() { b.done <- a.Run(ctx) }()
	logging.Info("Bridge opened", map[string]interface{}{"data_dir": cfg.DataDir})
	return b, nil
}

// Close stops the engine and releases the database.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.events
	b.mu.Unlock()

	b.cancel()
	runErr := <-b.done
	if sub != nil {
		sub.Close()
	}
	if err := b.app.Close(); err != nil {
		return err
	}
	return runErr
}

// Call runs method with JSON arguments and returns a JSON Response.
func (b *Bridge) Call(method, args string) string {
	result, err := b.call(method, args)
	resp := Response{OK: err == nil, Result: result}
	if err != nil {
		resp.Error = &ErrorInfo{Code: string(errors.CodeOf(err)), Message: err.Error()}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return `{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"encode response"}}`
	}
	return string(data)
}

func (b *Bridge) call(method, args string) (interface{}, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.New(errors.ErrSyncUnavailable, "bridge is closed")
	}

	h, ok := b.calls[method]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalid, "unknown method %q", method)
	}
	raw := json.RawMessage(args)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return h(ctx, raw)
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid arguments", err)
	}
	return nil
}

type recordArgs struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (b *Bridge) mutate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req schoolsync.MutateRequest
	if err := decodeArgs(raw, &req); err != nil {
		return nil, err
	}
	return b.engine.Mutate(ctx, req)
}

func (b *Bridge) get(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a recordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return b.engine.Get(ctx, a.Collection, a.ID)
}

func (b *Bridge) list(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a recordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	recs, err := b.engine.List(ctx, a.Collection)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	return recs, nil
}

func (b *Bridge) status(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return b.engine.SyncStatus(ctx)
}

func (b *Bridge) sync(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return nil, b.engine.TriggerManualSync()
}

func (b *Bridge) conflicts(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a struct {
		State models.ResolutionState `json:"state"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if a.State != "" && !a.State.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown resolution state %q", a.State)
	}
	entries, err := b.engine.Conflicts(ctx, a.State)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.ConflictLog{}
	}
	return entries, nil
}

func (b *Bridge) resolve(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a struct {
		recordArgs
		Choice  string             `json:"choice"`
		Payload stdjson.RawMessage `json:"payload"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	choice, err := schoolsync.ParseChoice(a.Choice)
	if err != nil {
		return nil, err
	}
	return b.engine.ResolveConflict(ctx, a.Collection, a.ID, choice, a.Payload)
}

func (b *Bridge) retry(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a recordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return b.engine.RetryRecord(ctx, a.Collection, a.ID)
}

func (b *Bridge) abandon(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a recordArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return b.engine.AbandonRecord(ctx, a.Collection, a.ID)
}

// setOnline feeds the platform's connectivity signal. linkType is the
// effective bandwidth class reported by the platform, if any.
func (b *Bridge) setOnline(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var a struct {
		Online   bool   `json:"online"`
		LinkType string `json:"linkType"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if a.LinkType != "" {
		b.source.SetLink(network.LinkInfo{Type: a.LinkType})
	}
	b.source.SetOnline(a.Online)
	return nil, nil
}

// pollEvents returns up to max queued events, waiting at most timeoutMs for
// the first one. The event mailbox is opened by the first poll.
func (b *Bridge) pollEvents(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a struct {
		Max       int `json:"max"`
		TimeoutMS int `json:"timeoutMs"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if a.Max <= 0 || a.Max > maxPollEvents {
		a.Max = maxPollEvents
	}
	wait := time.Duration(a.TimeoutMS) * time.Millisecond
	if wait > maxPollTimeout {
		wait = maxPollTimeout
	}

	sub := b.subscription()
	out := make([]events.Event, 0)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			return out, nil
		}
		out = append(out, evt)
	case <-timer.C:
		return out, nil
	case <-ctx.Done():
		return out, nil
	}

	for len(out) < a.Max {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out, nil
			}
			out = append(out, evt)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *Bridge) subscription() *events.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = b.engine.Bus().Subscribe(events.All)
	}
	return b.events
}
