// Package network is the single source of truth for connectivity. It
// debounces the raw online/offline signal and grades link quality.
package network

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

// Config holds monitor configuration.
type Config struct {
	StabilizationDelay time.Duration // How long "online" must hold before it is reported (default: 1s)
	ProbeInterval      time.Duration // How often link quality is re-estimated while online (default: 30s)
	UnstableRTT        time.Duration // Round trips above this are unstable (default: 1000ms)
	ProbeTimeout       time.Duration // Upper bound of a single probe (default: 5s)
	SlowLinkTypes      []string      // Link types treated as low bandwidth
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		StabilizationDelay: time.Second,
		ProbeInterval:      30 * time.Second,
		UnstableRTT:        1000 * time.Millisecond,
		ProbeTimeout:       5 * time.Second,
		SlowLinkTypes:      []string{"slow-2g", "2g", "3g"},
	}
}

// StateChange is delivered to subscribers on every classification change.
type StateChange struct {
	Previous models.NetworkSnapshot
	Current  models.NetworkSnapshot
}

// Classify grades an online link. A failed probe, a round trip above the
// threshold or a low-bandwidth link type all yield online-unstable.
func Classify(cfg Config, link LinkInfo, rtt time.Duration, probeErr error) models.NetworkState {
	if probeErr != nil {
		return models.NetworkOnlineUnstable
	}
	if cfg.UnstableRTT > 0 && rtt > cfg.UnstableRTT {
		return models.NetworkOnlineUnstable
	}
	for _, slow := range cfg.SlowLinkTypes {
		if strings.EqualFold(link.Type, slow) {
			return models.NetworkOnlineUnstable
		}
	}
	return models.NetworkOnlineGood
}

type probeResult struct {
	gen int
	rtt time.Duration
	err error
}

// Monitor debounces a Source into a NetworkSnapshot. It starts in the
// offline state; no call on it blocks on the network.
type Monitor struct {
	cfg    Config
	src    Source
	prober Prober

	mu      sync.RWMutex
	snap    models.NetworkSnapshot
	subs    map[int]chan StateChange
	nextSub int
	running bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	// loop-owned
	rawOnline    bool
	generation   int
	probing      bool
	probeResults chan probeResult
}

// NewMonitor creates a monitor. prober may be nil, in which case the
// classification relies on the source's link descriptor only.
func NewMonitor(src Source, prober Prober, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.StabilizationDelay <= 0 {
		cfg.StabilizationDelay = def.StabilizationDelay
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.UnstableRTT <= 0 {
		cfg.UnstableRTT = def.UnstableRTT
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SlowLinkTypes == nil {
		cfg.SlowLinkTypes = def.SlowLinkTypes
	}
	return &Monitor{
		cfg:          cfg,
		src:          src,
		prober:       prober,
		snap:         models.NetworkSnapshot{State: models.NetworkOffline, CheckedAt: time.Now().UTC()},
		subs:         make(map[int]chan StateChange),
		stopCh:       make(chan struct{}),
		probeResults: make(chan probeResult, 1),
	}
}

// CurrentState returns the latest classification.
func (m *Monitor) CurrentState() models.NetworkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe returns a channel of state changes and a cancel function. The
// channel holds only the most recent undelivered change; a slow reader sees
// the latest state, never a stale one.
func (m *Monitor) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 1)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
			m.mu.Unlock()
		})
	}
}

// Start begins watching the source.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	logging.Info("Network monitor started", map[string]interface{}{
		"stabilization_ms": m.cfg.StabilizationDelay.Milliseconds(),
		"probe_interval_s": m.cfg.ProbeInterval.Seconds(),
	})
}

// Stop halts the monitor and closes every subscriber channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	wasRunning := m.running
	m.mu.Unlock()

	close(m.stopCh)
	if wasRunning {
		m.wg.Wait()
	}

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	logging.Info("Network monitor stopped", nil)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	var (
		stable  *time.Timer
		stableC <-chan time.Time
	)
	stopStable := func() {
		if stable != nil {
			stable.Stop()
			stable, stableC = nil, nil
		}
	}
	defer stopStable()

	// Each online period gets its own probe ticker.
	var (
		probe  *time.Ticker
		probeC <-chan time.Time
	)
	stopProbe := func() {
		if probe != nil {
			probe.Stop()
			probe, probeC = nil, nil
		}
	}
	defer stopProbe()

	reconcile := time.NewTicker(m.cfg.ProbeInterval)
	defer reconcile.Stop()

	handleRaw := func(online bool) {
		m.rawOnline = online
		if !online {
			stopStable()
			stopProbe()
			m.generation++
			m.publish(models.NetworkSnapshot{State: models.NetworkOffline})
			return
		}
		// Any online signal before the window elapsed restarts the window.
		if !m.CurrentState().State.Online() {
			stopStable()
			stable = time.NewTimer(m.cfg.StabilizationDelay)
			stableC = stable.C
		}
	}

	if m.src.Online() {
		handleRaw(true)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return

		case online, ok := <-m.src.Changes():
			if !ok {
				return
			}
			handleRaw(online)

		case <-stableC:
			stable, stableC = nil, nil
			link := m.link()
			m.publish(models.NetworkSnapshot{
				State:    Classify(m.cfg, link, link.RTT, nil),
				RTT:      link.RTT,
				LinkType: link.Type,
			})
			if m.prober != nil {
				probe = time.NewTicker(m.cfg.ProbeInterval)
				probeC = probe.C
				m.startProbe(ctx)
			}

		case <-probeC:
			m.startProbe(ctx)

		case res := <-m.probeResults:
			m.probing = false
			if res.gen != m.generation || !m.CurrentState().State.Online() {
				continue
			}
			link := m.link()
			if res.err != nil {
				logging.Debug("Network probe failed", map[string]interface{}{"error": res.err.Error()})
			}
			m.publish(models.NetworkSnapshot{
				State:    Classify(m.cfg, link, res.rtt, res.err),
				RTT:      res.rtt,
				LinkType: link.Type,
			})

		case <-reconcile.C:
			if online := m.src.Online(); online != m.rawOnline {
				handleRaw(online)
			}
		}
	}
}

func (m *Monitor) link() LinkInfo {
	if d, ok := m.src.(LinkDescriber); ok {
		return d.Link()
	}
	return LinkInfo{}
}

// startProbe launches one probe unless one is already in flight. Failed
// probes are never retried.
func (m *Monitor) startProbe(ctx context.Context) {
	if m.prober == nil || m.probing {
		return
	}
	m.probing = true
	gen := m.generation
	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		rtt, err := m.prober.Probe(probeCtx)
		select {
		case m.probeResults <- probeResult{gen: gen, rtt: rtt, err: err}:
		case <-m.stopCh:
		case <-ctx.Done():
		}
	}()
}

// publish stores a new snapshot and notifies subscribers when the state
// changed.
func (m *Monitor) publish(next models.NetworkSnapshot) {
	next.CheckedAt = time.Now().UTC()

	m.mu.Lock()
	prev := m.snap
	m.snap = next
	if prev.State == next.State {
		m.mu.Unlock()
		return
	}
	change := StateChange{Previous: prev, Current: next}
	for _, ch := range m.subs {
		// Latest wins: replace an undelivered change.
		select {
		case ch <- change:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
	m.mu.Unlock()

	logging.Info("Network state changed", map[string]interface{}{
		"from":   string(prev.State),
		"to":     string(next.State),
		"rtt_ms": next.RTT.Milliseconds(),
	})
}
