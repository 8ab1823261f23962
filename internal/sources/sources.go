// Package sources keeps per-sender counters for the multicast group. More
// than one live sender on a group is itself a delivery fault worth flagging.
package sources

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/rtpqos/internal/metrics"
	"github.com/NodePath81/rtpqos/internal/util"
)

// Location is what a Locator knows about a source address.
type Location struct {
	Country string
	ASN     uint
	Org     string
}

type Locator interface {
	Lookup(ip net.IP) (Location, error)
}

// Entry is the JSON view of one source.
type Entry struct {
	Addr      string `json:"addr"`
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	Country   string `json:"country,omitempty"`
	ASN       uint   `json:"asn,omitempty"`
	Org       string `json:"org,omitempty"`
}

type source struct {
	packets   uint64
	bytes     uint64
	firstSeen time.Time
	lastSeen  time.Time
	location  Location
}

type Tracker struct {
	locator Locator
	logger  util.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[netip.AddrPort]*source
}

// NewTracker builds a tracker; locator may be nil.
func NewTracker(locator Locator, logger util.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		locator: locator,
		logger:  logger,
		metrics: m,
		entries: make(map[netip.AddrPort]*source),
	}
}

// Observe counts one datagram of n bytes from addr.
func (t *Tracker) Observe(addr *net.UDPAddr, n int, now time.Time) {
	if addr == nil {
		return
	}
	ap := addr.AddrPort()
	key := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	t.mu.Lock()
	if src, ok := t.entries[key]; ok {
		src.packets++
		src.bytes += uint64(n)
		src.lastSeen = now
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	var loc Location
	if t.locator != nil {
		found, err := t.locator.Lookup(addr.IP)
		if err != nil {
			t.logger.Debug("source lookup failed", "source", key.String(), "error", err)
		} else {
			loc = found
		}
	}

	t.mu.Lock()
	src, ok := t.entries[key]
	if !ok {
		src = &source{firstSeen: now, location: loc}
		t.entries[key] = src
	}
	src.packets++
	src.bytes += uint64(n)
	src.lastSeen = now
	count := len(t.entries)
	t.mu.Unlock()

	if ok {
		return
	}
	t.metrics.SetSources(count)
	attrs := []any{"source", key.String(), "sources", count}
	if loc.Country != "" {
		attrs = append(attrs, "country", loc.Country)
	}
	if loc.ASN != 0 {
		attrs = append(attrs, "asn", loc.ASN, "org", loc.Org)
	}
	if count > 1 {
		t.logger.Warn("additional sender on multicast group", attrs...)
		return
	}
	t.logger.Info("new sender on multicast group", attrs...)
}

// Snapshot returns all sources ordered by first appearance.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for key, src := range t.entries {
		out = append(out, Entry{
			Addr:      key.String(),
			Packets:   src.packets,
			Bytes:     src.bytes,
			FirstSeen: src.firstSeen.UnixMilli(),
			LastSeen:  src.lastSeen.UnixMilli(),
			Country:   src.location.Country,
			ASN:       src.location.ASN,
			Org:       src.location.Org,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen != out[j].FirstSeen {
			return out[i].FirstSeen < out[j].FirstSeen
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// Reset forgets every source; called when a new session starts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[netip.AddrPort]*source)
	t.mu.Unlock()
	t.metrics.SetSources(0)
}
