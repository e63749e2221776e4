// Package addrquota limits how many packets per second a listener accepts
// from a single source address.
package addrquota

import (
	"net"
	"net/netip"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"
)

// DefaultMaxEntries bounds the number of sources tracked at once.
const DefaultMaxEntries = 4096

// Quota is a per-source rate limiter. Limiters of the least recently seen
// sources are evicted once maxEntries sources are tracked.
type Quota struct {
	pps   rate.Limit
	burst int
	mu    sync.Mutex // protects cache
	cache *lru.Cache
}

// NewQuota returns a Quota allowing packetsPerSecond per source with the
// given burst. A burst below 1 defaults to packetsPerSecond.
func NewQuota(packetsPerSecond float64, burst, maxEntries int) *Quota {
	if burst < 1 {
		burst = max(1, int(packetsPerSecond))
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Quota{
		pps:   rate.Limit(packetsPerSecond),
		burst: burst,
		cache: lru.New(maxEntries),
	}
}

// Blocked reports whether a packet from addr exceeds the source's quota.
// Addresses without an IP are never blocked.
func (q *Quota) Blocked(addr net.Addr) bool {
	if q == nil {
		return false
	}
	key, ok := sourceKey(addr)
	if !ok {
		return false
	}
	q.mu.Lock()
	var limiter *rate.Limiter
	if v, found := q.cache.Get(key); found {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(q.pps, q.burst)
		q.cache.Add(key, limiter)
	}
	q.mu.Unlock()
	return !limiter.Allow()
}

// Len returns the number of tracked sources.
func (q *Quota) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Len()
}

func sourceKey(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case nil:
		return netip.Addr{}, false
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
