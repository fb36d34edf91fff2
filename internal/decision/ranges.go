package decision

import (
	"net"
	"sync"

	"github.com/hslatman/ipstore/pkg/ipstore"
	"go.uber.org/zap"
)

// RangeSet is the in-process containment index over range-scoped
// decisions. Entries are keyed by CIDR in the cache; this set answers
// "which cached ranges contain this IP" without scanning the backend.
// It is rebuilt naturally by the writers: the stream synchroniser on
// warm-up and refresh, the resolver on live upserts.
type RangeSet struct {
	mu     sync.RWMutex
	store  *ipstore.Store
	logger *zap.Logger
}

// NewRangeSet returns an empty containment index.
func NewRangeSet(logger *zap.Logger) *RangeSet {
	return &RangeSet{
		store:  ipstore.New(),
		logger: logger,
	}
}

// Add registers a CIDR value such as "10.0.0.0/24".
func (rs *RangeSet) Add(value string) {
	_, network, err := net.ParseCIDR(value)
	if err != nil {
		rs.logger.Warn("ignoring unparsable range decision", zap.String("value", value), zap.Error(err))
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.store.AddCIDR(*network, value); err != nil {
		rs.logger.Warn("failed indexing range decision", zap.String("value", value), zap.Error(err))
	}
}

// Remove unregisters a CIDR value.
func (rs *RangeSet) Remove(value string) {
	_, network, err := net.ParseCIDR(value)
	if err != nil {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, err := rs.store.RemoveCIDR(*network); err != nil {
		rs.logger.Warn("failed unindexing range decision", zap.String("value", value), zap.Error(err))
	}
}

// Containing returns the CIDR values of all indexed ranges containing
// ip, most specific first.
func (rs *RangeSet) Containing(ip net.IP) []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	entries, err := rs.store.Get(ip)
	if err != nil {
		rs.logger.Warn("range lookup failed", zap.String("ip", ip.String()), zap.Error(err))
		return nil
	}

	values := make([]string, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.(string); ok {
			values = append(values, v)
		}
	}

	return values
}

// Reset drops all indexed ranges.
func (rs *RangeSet) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.store = ipstore.New()
}
