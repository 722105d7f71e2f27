package network

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// LinkInfo is the optional link-quality descriptor of a connectivity source.
type LinkInfo struct {
	// Type is the effective bandwidth class ("slow-2g", "2g", "3g", "4g", "wifi", ...).
	Type string
	// RTT is the source's own round-trip estimate, zero when unknown.
	RTT time.Duration
}

// Source is the binary online/offline event source.
type Source interface {
	// Online reports the current raw signal.
	Online() bool
	// Changes delivers every raw transition.
	Changes() <-chan bool
}

// LinkDescriber is implemented by sources that know the link quality.
type LinkDescriber interface {
	Link() LinkInfo
}

// Prober measures a round trip to the remote store.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}

const changeBuffer = 256

// ManualSource is a programmatic Source. The embedding application feeds it
// the platform's connectivity events; tests feed it synthetic ones.
type ManualSource struct {
	mu      sync.RWMutex
	online  bool
	link    LinkInfo
	changes chan bool
}

// NewManualSource creates a source with the given initial signal.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, changes: make(chan bool, changeBuffer)}
}

// Online reports the current raw signal.
func (s *ManualSource) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Changes delivers every raw transition.
func (s *ManualSource) Changes() <-chan bool {
	return s.changes
}

// Link returns the last declared link descriptor.
func (s *ManualSource) Link() LinkInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// SetOnline records a raw transition. Repeated values are not re-emitted.
func (s *ManualSource) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	select {
	case s.changes <- online:
	default:
		// Dropped when the consumer is far behind; Monitor reconciles
		// with Online() on its next tick.
	}
}

// SetLink declares the link quality.
func (s *ManualSource) SetLink(link LinkInfo) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
}

// ProbeSource derives the binary signal by polling a Prober: a successful
// probe means online.
type ProbeSource struct {
	*ManualSource
	prober   Prober
	interval time.Duration
	timeout  time.Duration
}

// NewProbeSource creates a polling source. It starts offline.
func NewProbeSource(prober Prober, interval, timeout time.Duration) *ProbeSource {
	return &ProbeSource{
		ManualSource: NewManualSource(false),
		prober:       prober,
		interval:     interval,
		timeout:      timeout,
	}
}

// Run polls until ctx is done.
func (s *ProbeSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *ProbeSource) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	s.SetOnline(err == nil)
}

// HTTPProber times a HEAD request against a health endpoint. Any response
// below 500 counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe performs one request and returns its round-trip time.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode >= 500 {
		return rtt, &StatusError{Code: resp.StatusCode}
	}
	return rtt, nil
}

// StatusError reports a probe answered with a server error.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Code)
}
