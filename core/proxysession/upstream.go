// Package proxysession implements the proxy session state machine
// (spec.md §4.F), the centerpiece per-request lifecycle: Receiving →
// Routing → Inspecting → Dispatching → Streaming-Response → Handoff →
// Finished | Errored.
package proxysession

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Target is one parsed upstream endpoint from a Route's Targets list:
// "host:port[;weight=N][;tls=1]" per a route line's target syntax
// (spec.md §3 Route: "upstream target list (host:port, weight, TLS
// flag)"). core/routes' own line parser treats each comma-separated
// entry as an opaque string; the ;-separated weight/tls sub-syntax is this
// package's concern, parsed here rather than by widening core/routes.
type Target struct {
	Addr   string // host:port
	Weight int
	TLS    bool
}

// ParseTarget parses one Route.Targets entry. Accepts a bare "host:port"
// or "host:port;weight=N;tls=1" (semicolon-separated attributes, since
// the comma already separates targets within a routes-file line).
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(s, ";")
	t := Target{Addr: strings.TrimSpace(parts[0]), Weight: 1}
	if t.Addr == "" {
		return Target{}, fmt.Errorf("proxysession: empty target")
	}
	for _, attr := range parts[1:] {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "weight":
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				t.Weight = n
			}
		case "tls":
			t.TLS = v == "1" || strings.EqualFold(v, "true")
		}
	}
	return t, nil
}

// ParseTargets parses every entry of a Route.Targets slice, per spec.md
// §3's invariant "at least one upstream per route".
func ParseTargets(raw []string) ([]Target, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("proxysession: route has no upstream targets")
	}
	out := make([]Target, 0, len(raw))
	for _, s := range raw {
		t, err := ParseTarget(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

const (
	defaultCooldownFails    = 3
	defaultCooldownDuration = 10 * time.Second
)

// peer is one upstream's smooth-weighted-round-robin bookkeeping plus
// passive-health cooldown state.
type peer struct {
	target        Target
	currentWeight int

	fails     int
	skipUntil time.Time
}

// Balancer selects an upstream Target per dispatch, using smooth
// weighted round robin with a passive-health cooldown gate: an upstream
// that fails repeatedly is skipped for a cooldown window rather than
// removed outright, so it is retried once the window elapses.
//
// Grounded on the smooth-WRR peer/currentWeight algorithm and the
// fails-then-skipUntil cooldown gate used for passive health in a
// reference gateway's load balancer and rate limiter packages, adapted
// from generic HTTP endpoints to Route targets and from a
// separately-owned token-bucket limiter to an inline cooldown check.
type Balancer struct {
	mu    sync.Mutex
	peers []*peer

	cooldownFails    int
	cooldownDuration time.Duration
}

// NewBalancer builds a Balancer over targets, preserving Route insertion
// order for equal-weight tie-breaking.
func NewBalancer(targets []Target) *Balancer {
	peers := make([]*peer, len(targets))
	for i, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{target: t}
		peers[i].target.Weight = w
	}
	return &Balancer{
		peers:            peers,
		cooldownFails:    defaultCooldownFails,
		cooldownDuration: defaultCooldownDuration,
	}
}

// SetCooldown overrides the default fails-before-cooldown threshold and
// cooldown duration.
func (b *Balancer) SetCooldown(fails int, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fails > 0 {
		b.cooldownFails = fails
	}
	if d > 0 {
		b.cooldownDuration = d
	}
}

// Next picks the next Target by smooth weighted round robin, skipping
// any peer currently in its cooldown window. Returns ok=false if every
// peer is cooling down.
func (b *Balancer) Next() (Target, *Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best *peer
	total := 0
	for _, p := range b.peers {
		if !p.skipUntil.IsZero() && now.Before(p.skipUntil) {
			continue
		}
		p.currentWeight += p.target.Weight
		total += p.target.Weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}
	if best == nil {
		return Target{}, nil, false
	}
	best.currentWeight -= total
	return best.target, &Handle{b: b, p: best}, true
}

// Handle lets the caller report the outcome of a dispatch attempt back
// to the balancer feeding its passive-health cooldown.
type Handle struct {
	b *Balancer
	p *peer
}

// Feedback records success or failure for the upstream this Handle was
// issued for. After cooldownFails consecutive failures, the upstream is
// skipped for cooldownDuration.
func (h *Handle) Feedback(success bool) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if success {
		h.p.fails = 0
		h.p.skipUntil = time.Time{}
		return
	}
	h.p.fails++
	if h.p.fails >= h.b.cooldownFails {
		h.p.skipUntil = time.Now().Add(h.b.cooldownDuration)
	}
}
